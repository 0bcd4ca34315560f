package scheduler

import (
	"sort"
	"sync"
)

type resourceHold struct {
	taskID   string
	workerID string
}

// ResourceLockManager grants exclusive ownership of named resources to running
// tasks. Acquisition never blocks: a task whose resources are taken is simply
// not started yet.
type ResourceLockManager struct {
	mu    sync.Mutex
	holds map[string]resourceHold // resource -> holder
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		holds: make(map[string]resourceHold),
	}
}

// TryAcquireAll grants every resource to taskID on workerID, or none of them.
// Re-acquiring resources already held by the same task succeeds.
func (r *ResourceLockManager) TryAcquireAll(taskID, workerID string, resources []string) bool {
	if len(resources) == 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range resources {
		if h, held := r.holds[res]; held && h.taskID != taskID {
			return false
		}
	}
	for _, res := range resources {
		r.holds[res] = resourceHold{taskID: taskID, workerID: workerID}
	}
	return true
}

// ReleaseTask releases every resource held by taskID.
func (r *ResourceLockManager) ReleaseTask(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []string
	for res, h := range r.holds {
		if h.taskID == taskID {
			delete(r.holds, res)
			released = append(released, res)
		}
	}
	sort.Strings(released)
	return released
}

// HeldBy returns the sorted resources currently held on behalf of workerID.
func (r *ResourceLockManager) HeldBy(workerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var held []string
	for res, h := range r.holds {
		if h.workerID == workerID {
			held = append(held, res)
		}
	}
	sort.Strings(held)
	return held
}

// Holder returns the task holding res, if any.
func (r *ResourceLockManager) Holder(res string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.holds[res]
	return h.taskID, ok
}
