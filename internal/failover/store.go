package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists snapshots and checkpoints. Implementations must be safe for
// concurrent use. Checkpoints are keyed by task ID; saving replaces the
// previous checkpoint for that task.
type Store interface {
	SaveSnapshot(ctx context.Context, snap AgentStateSnapshot) error
	// LatestSnapshot returns ErrNoSnapshot when the worker has none.
	LatestSnapshot(ctx context.Context, workerID string) (AgentStateSnapshot, error)
	SaveCheckpoint(ctx context.Context, cp TaskCheckpoint) error
	// Checkpoints returns the worker's checkpoints sorted by task ID.
	Checkpoints(ctx context.Context, workerID string) ([]TaskCheckpoint, error)
	DeleteCheckpoint(ctx context.Context, taskID string) error
}

// MemoryStore keeps the latest snapshot per worker in memory.
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string]AgentStateSnapshot
	checkpoints map[string]TaskCheckpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]AgentStateSnapshot),
		checkpoints: make(map[string]TaskCheckpoint),
	}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap AgentStateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.WorkerID] = cloneSnapshot(snap)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, workerID string) (AgentStateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[workerID]
	if !ok {
		return AgentStateSnapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, workerID)
	}
	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp TaskCheckpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint task ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.TaskID] = cloneCheckpoint(cp)
	return nil
}

func (s *MemoryStore) Checkpoints(_ context.Context, workerID string) ([]TaskCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TaskCheckpoint
	for _, cp := range s.checkpoints {
		if cp.WorkerID == workerID {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, taskID)
	return nil
}

func cloneSnapshot(s AgentStateSnapshot) AgentStateSnapshot {
	cp := s
	cp.ActiveTasks = append([]string(nil), s.ActiveTasks...)
	cp.Completed = append([]TaskResult(nil), s.Completed...)
	cp.Resources = append([]string(nil), s.Resources...)
	if s.Config != nil {
		cp.Config = make(map[string]string, len(s.Config))
		for k, v := range s.Config {
			cp.Config[k] = v
		}
	}
	return cp
}

func cloneCheckpoint(c TaskCheckpoint) TaskCheckpoint {
	cp := c
	cp.Intermediate = append([]byte(nil), c.Intermediate...)
	cp.RollbackData = append([]byte(nil), c.RollbackData...)
	cp.NextSteps = append([]string(nil), c.NextSteps...)
	return cp
}
