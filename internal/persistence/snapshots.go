package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/supervisor/internal/failover"
)

// SaveSnapshot appends a snapshot and prunes the worker's history to the
// configured size.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap failover.AgentStateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (worker_id, taken_at, data)
		VALUES (?, ?, ?)
	`, snap.WorkerID, unixNano(snap.Timestamp), string(data)); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE worker_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE worker_id = ?
			ORDER BY taken_at DESC, id DESC
			LIMIT ?
		)
	`, snap.WorkerID, snap.WorkerID, s.keep); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for workerID.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, workerID string) (failover.AgentStateSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM snapshots
		WHERE worker_id = ?
		ORDER BY taken_at DESC, id DESC
		LIMIT 1
	`, workerID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return failover.AgentStateSnapshot{}, fmt.Errorf("%w: %s", failover.ErrNoSnapshot, workerID)
	}
	if err != nil {
		return failover.AgentStateSnapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}

	var snap failover.AgentStateSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return failover.AgentStateSnapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotCount returns how many snapshots are stored for workerID.
func (s *SQLiteStore) SnapshotCount(ctx context.Context, workerID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE worker_id = ?`, workerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}

// SaveCheckpoint stores a checkpoint, replacing any earlier one for the task.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp failover.TaskCheckpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint task ID is required")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, worker_id, updated_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			worker_id = excluded.worker_id,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, cp.TaskID, cp.WorkerID, unixNano(cp.Timestamp), string(data)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Checkpoints returns the checkpoints owned by workerID, ordered by task ID.
func (s *SQLiteStore) Checkpoints(ctx context.Context, workerID string) ([]failover.TaskCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM checkpoints
		WHERE worker_id = ?
		ORDER BY task_id
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []failover.TaskCheckpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		var cp failover.TaskCheckpoint
		if err := json.Unmarshal([]byte(data), &cp); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return out, nil
}

// DeleteCheckpoint removes the checkpoint for taskID, if any.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
