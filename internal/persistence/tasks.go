package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/supervisor/internal/scheduler"
)

const taskColumns = `id, title, type, priority, requirements, resources, estimated_ns, status,
	assigned_worker, result, error, created_at, started_at, completed_at`

// SaveTask saves or updates a task and its dependencies.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	requirements, err := encodeList(task.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}
	resources, err := encodeList(task.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode resources: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			priority = excluded.priority,
			requirements = excluded.requirements,
			resources = excluded.resources,
			estimated_ns = excluded.estimated_ns,
			status = excluded.status,
			assigned_worker = excluded.assigned_worker,
			result = excluded.result,
			error = excluded.error,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, task.ID, task.Title, task.Type, int(task.Priority), requirements, resources, int64(task.EstimatedDuration),
		string(task.Status), task.AssignedWorker, task.Result, task.Error,
		unixNano(task.CreatedAt), unixNano(task.StartedAt), unixNano(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range task.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID); err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		priority                        int
		requirements, resources         sql.NullString
		estimated                       int64
		status                          string
		created, started, completedUnix int64
	)
	err := row.Scan(&task.ID, &task.Title, &task.Type, &priority, &requirements, &resources, &estimated, &status,
		&task.AssignedWorker, &task.Result, &task.Error, &created, &started, &completedUnix)
	if err != nil {
		return nil, err
	}

	task.Priority = scheduler.Priority(priority)
	task.EstimatedDuration = time.Duration(estimated)
	task.Status = scheduler.TaskStatus(status)
	task.CreatedAt = fromUnixNano(created)
	task.StartedAt = fromUnixNano(started)
	task.CompletedAt = fromUnixNano(completedUnix)
	if task.Requirements, err = decodeList(requirements); err != nil {
		return nil, fmt.Errorf("failed to decode requirements of %s: %w", task.ID, err)
	}
	if task.Resources, err = decodeList(resources); err != nil {
		return nil, fmt.Errorf("failed to decode resources of %s: %w", task.ID, err)
	}
	return task, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, task *scheduler.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies for task %s: %w", task.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus updates the status, result, and error of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, result string, taskErr error) error {
	errorStr := ""
	if taskErr != nil {
		errorStr = taskErr.Error()
	}

	completedAt := int64(0)
	if status.Terminal() {
		completedAt = time.Now().UnixNano()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, string(status), result, errorStr, completedAt, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	return nil
}

// ListTasks returns all tasks with their dependencies, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := s.loadDependencies(ctx, task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func encodeList(list []string) (sql.NullString, error) {
	if len(list) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeList(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s.String), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
