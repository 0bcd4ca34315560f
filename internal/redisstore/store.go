// Package redisstore keeps failover snapshots and checkpoints in Redis so
// several supervisors can share them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aristath/supervisor/internal/failover"
)

// Config holds Redis connection configuration.
type Config struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Prefix          string        `mapstructure:"prefix" yaml:"prefix"`
	SnapshotHistory int           `mapstructure:"snapshot_history" yaml:"snapshot_history"`
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl"` // 0 keeps snapshots forever
}

// Store implements failover.Store on Redis.
//
// Keys:
//
//	<prefix>:snapshots:<worker>   list of snapshot JSON, newest first
//	<prefix>:checkpoints          hash task ID -> checkpoint JSON
//	<prefix>:worker:<worker>      set of task IDs with a checkpoint
type Store struct {
	rdb    *redis.Client
	prefix string
	keep   int64
	ttl    time.Duration
}

var _ failover.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "supervisor"
	}
	keep := int64(cfg.SnapshotHistory)
	if keep <= 0 {
		keep = 10
	}
	return &Store{rdb: rdb, prefix: prefix, keep: keep, ttl: cfg.SnapshotTTL}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) snapshotsKey(workerID string) string {
	return fmt.Sprintf("%s:snapshots:%s", s.prefix, workerID)
}

func (s *Store) checkpointsKey() string {
	return s.prefix + ":checkpoints"
}

func (s *Store) workerKey(workerID string) string {
	return fmt.Sprintf("%s:worker:%s", s.prefix, workerID)
}

// SaveSnapshot pushes a snapshot and trims the worker's history.
func (s *Store) SaveSnapshot(ctx context.Context, snap failover.AgentStateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := s.snapshotsKey(snap.WorkerID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, s.keep-1)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for workerID.
func (s *Store) LatestSnapshot(ctx context.Context, workerID string) (failover.AgentStateSnapshot, error) {
	data, err := s.rdb.LIndex(ctx, s.snapshotsKey(workerID), 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return failover.AgentStateSnapshot{}, fmt.Errorf("%w: %s", failover.ErrNoSnapshot, workerID)
	}
	if err != nil {
		return failover.AgentStateSnapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap failover.AgentStateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return failover.AgentStateSnapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotCount returns how many snapshots are kept for workerID.
func (s *Store) SnapshotCount(ctx context.Context, workerID string) (int, error) {
	n, err := s.rdb.LLen(ctx, s.snapshotsKey(workerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return int(n), nil
}

func (s *Store) checkpoint(ctx context.Context, taskID string) (failover.TaskCheckpoint, bool, error) {
	data, err := s.rdb.HGet(ctx, s.checkpointsKey(), taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return failover.TaskCheckpoint{}, false, nil
	}
	if err != nil {
		return failover.TaskCheckpoint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp failover.TaskCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return failover.TaskCheckpoint{}, false, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// SaveCheckpoint stores a checkpoint, moving it between worker indexes when
// its owner changed.
func (s *Store) SaveCheckpoint(ctx context.Context, cp failover.TaskCheckpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint task ID is required")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	prev, found, err := s.checkpoint(ctx, cp.TaskID)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if found && prev.WorkerID != cp.WorkerID {
			p.SRem(ctx, s.workerKey(prev.WorkerID), cp.TaskID)
		}
		p.HSet(ctx, s.checkpointsKey(), cp.TaskID, data)
		p.SAdd(ctx, s.workerKey(cp.WorkerID), cp.TaskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Checkpoints returns workerID's checkpoints sorted by task ID.
func (s *Store) Checkpoints(ctx context.Context, workerID string) ([]failover.TaskCheckpoint, error) {
	ids, err := s.rdb.SMembers(ctx, s.workerKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	values, err := s.rdb.HMGet(ctx, s.checkpointsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	out := make([]failover.TaskCheckpoint, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry without a checkpoint; tolerate a concurrent delete.
			continue
		}
		var cp failover.TaskCheckpoint
		if err := json.Unmarshal([]byte(str), &cp); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", ids[i], err)
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteCheckpoint removes the checkpoint for taskID, if any.
func (s *Store) DeleteCheckpoint(ctx context.Context, taskID string) error {
	prev, found, err := s.checkpoint(ctx, taskID)
	if err != nil || !found {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.checkpointsKey(), taskID)
		p.SRem(ctx, s.workerKey(prev.WorkerID), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
