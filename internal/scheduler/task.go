package scheduler

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting for dependencies or a worker
	TaskInProgress TaskStatus = "in_progress" // Picked up by its assigned worker
	TaskCompleted  TaskStatus = "completed"   // Finished successfully
	TaskFailed     TaskStatus = "failed"      // Finished with error
	TaskCancelled  TaskStatus = "cancelled"   // Withdrawn before completion
)

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Priority orders tasks within a worker queue. Higher runs first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Task represents a unit of work.
type Task struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Type              string        `json:"type"`
	Priority          Priority      `json:"priority"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Requirements      []string      `json:"requirements,omitempty"` // Capability tags a worker should have
	Resources         []string      `json:"resources,omitempty"`    // Resources held exclusively while running
	Status            TaskStatus    `json:"status"`
	AssignedWorker    string        `json:"assigned_worker,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	CompletedAt       time.Time     `json:"completed_at,omitempty"`
	Result            string        `json:"result,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// TaskSpec describes a task to submit.
type TaskSpec struct {
	ID                string        `yaml:"id" json:"id"`
	Title             string        `yaml:"title" json:"title"`
	Type              string        `yaml:"type" json:"type"`
	Priority          Priority      `yaml:"priority" json:"priority"`
	DependsOn         []string      `yaml:"depends_on" json:"depends_on,omitempty"`
	EstimatedDuration time.Duration `yaml:"estimated_duration" json:"estimated_duration,omitempty"`
	Requirements      []string      `yaml:"requirements" json:"requirements,omitempty"`
	Resources         []string      `yaml:"resources" json:"resources,omitempty"`
}

// WorkerInfo is the scheduler's view of a worker.
type WorkerInfo struct {
	ID                 string   `json:"id"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	CurrentTasks       int      `json:"current_tasks"`
	Workload           float64  `json:"workload"` // Percentage of capacity in use
	Available          bool     `json:"available"`
}

// HasCapacity reports whether the worker can accept another task.
func (w *WorkerInfo) HasCapacity() bool {
	return w.Available && w.CurrentTasks < w.MaxConcurrentTasks
}

// HasCapability reports whether the worker advertises the given tag.
func (w *WorkerInfo) HasCapability(tag string) bool {
	for _, c := range w.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

func (w *WorkerInfo) recomputeWorkload() {
	if w.MaxConcurrentTasks <= 0 {
		w.Workload = 100
		return
	}
	w.Workload = float64(w.CurrentTasks) / float64(w.MaxConcurrentTasks) * 100
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Requirements != nil {
		cp.Requirements = append([]string(nil), task.Requirements...)
	}
	if task.Resources != nil {
		cp.Resources = append([]string(nil), task.Resources...)
	}
	return &cp
}

func cloneWorker(w *WorkerInfo) *WorkerInfo {
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	return &cp
}
