package scheduler

import "sort"

type queueEntry struct {
	taskID    string
	priority  Priority
	createdAt int64
	seq       uint64
}

// before orders by priority desc, then creation time, then insertion.
func (e queueEntry) before(o queueEntry) bool {
	if e.priority != o.priority {
		return e.priority > o.priority
	}
	if e.createdAt != o.createdAt {
		return e.createdAt < o.createdAt
	}
	return e.seq < o.seq
}

// TaskQueue is a per-worker priority-ordered queue. Not safe for concurrent
// use; the Scheduler guards it.
type TaskQueue struct {
	entries []queueEntry
	seq     uint64
}

func (q *TaskQueue) push(task *Task) {
	q.seq++
	e := queueEntry{
		taskID:    task.ID,
		priority:  task.Priority,
		createdAt: task.CreatedAt.UnixNano(),
		seq:       q.seq,
	}
	i := sort.Search(len(q.entries), func(i int) bool { return e.before(q.entries[i]) })
	q.entries = append(q.entries, queueEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// remove drops taskID from the queue and reports whether it was present.
func (q *TaskQueue) remove(taskID string) bool {
	for i, e := range q.entries {
		if e.taskID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// firstMatching returns the first queued ID accepted by ready, in queue order.
func (q *TaskQueue) firstMatching(ready func(taskID string) bool) (string, bool) {
	for _, e := range q.entries {
		if ready(e.taskID) {
			return e.taskID, true
		}
	}
	return "", false
}

// IDs returns the queued task IDs in processing order.
func (q *TaskQueue) IDs() []string {
	ids := make([]string, len(q.entries))
	for i, e := range q.entries {
		ids[i] = e.taskID
	}
	return ids
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int { return len(q.entries) }
