// Package failover moves a failed worker's tasks to healthy workers. It keeps
// periodic worker snapshots and per-task checkpoints so state can be restored
// onto a replacement.
package failover

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrFailoverInProgress = errors.New("failover already in progress")
	ErrNoSnapshot         = errors.New("no snapshot for worker")
	ErrNoPendingFailover  = errors.New("no delayed failover pending")
	ErrNoCandidate        = errors.New("no candidate worker")
	ErrUnknownStrategy    = errors.New("unknown failover strategy")
)

// Strategy controls when a failover moves tasks.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate" // Reassign everything now
	StrategyGraceful  Strategy = "graceful"  // Let tasks drain, then reassign the rest
	StrategyDelayed   Strategy = "delayed"   // Immediate failover after FailoverDelay unless cancelled
	StrategyManual    Strategy = "manual"    // Flag for an operator and stop
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyGraceful, StrategyDelayed, StrategyManual:
		return true
	}
	return false
}

// Status is the outcome of a failover.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusScheduled Status = "scheduled"
	StatusManual    Status = "manual"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// PriorityBy selects how candidate workers are ranked.
type PriorityBy string

const (
	ByWorkload     PriorityBy = "workload"      // Ascending
	BySuccessRate  PriorityBy = "success_rate"  // Descending
	ByResponseTime PriorityBy = "response_time" // Ascending
)

func (p PriorityBy) Valid() bool {
	switch p {
	case ByWorkload, BySuccessRate, ByResponseTime:
		return true
	}
	return false
}

// TaskResult is a completed task recorded in a snapshot.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	Result      string    `json:"result,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// AgentStateSnapshot captures a worker's state at a point in time.
type AgentStateSnapshot struct {
	WorkerID    string            `json:"worker_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      string            `json:"status"`
	ActiveTasks []string          `json:"active_tasks,omitempty"`
	Completed   []TaskResult      `json:"completed,omitempty"`
	Workload    float64           `json:"workload"`
	Config      map[string]string `json:"config,omitempty"`
	Resources   []string          `json:"resources,omitempty"`
}

// TaskCheckpoint records partial progress of one task.
type TaskCheckpoint struct {
	TaskID       string          `json:"task_id"`
	WorkerID     string          `json:"worker_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Progress     float64         `json:"progress"` // 0..1
	Intermediate json.RawMessage `json:"intermediate,omitempty"`
	NextSteps    []string        `json:"next_steps,omitempty"`
	RollbackData json.RawMessage `json:"rollback_data,omitempty"`
}

// Criteria filters and ranks replacement workers.
type Criteria struct {
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	MaxWorkload          float64    `json:"max_workload"` // Percent; 0 means no limit
	Exclude              []string   `json:"exclude,omitempty"`
	PriorityBy           PriorityBy `json:"priority_by"`
}

// DefaultCriteria ranks by workload and skips workers above 80%.
func DefaultCriteria() Criteria {
	return Criteria{
		MaxWorkload: 80,
		PriorityBy:  ByWorkload,
	}
}

// Candidate is a worker considered for reassignment.
type Candidate struct {
	WorkerID     string
	Capabilities []string
	Workload     float64
	CurrentTasks int
	MaxTasks     int
	SuccessRate  float64
	ResponseTime time.Duration
}

// Assignment records where a task went.
type Assignment struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// ReassignResult is the outcome of ReassignTasks.
type ReassignResult struct {
	Assigned []Assignment `json:"assigned,omitempty"`
	Failed   []string     `json:"failed,omitempty"`
}

// Outcome describes one failover.
type Outcome struct {
	ID         string              `json:"id"`
	WorkerID   string              `json:"worker_id"`
	Strategy   Strategy            `json:"strategy"`
	Status     Status              `json:"status"`
	Reason     string              `json:"reason"`
	Message    string              `json:"message,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Snapshot   *AgentStateSnapshot `json:"snapshot,omitempty"`
	Drained    []string            `json:"drained,omitempty"`
	Reassigned []Assignment        `json:"reassigned,omitempty"`
	Failed     []string            `json:"failed,omitempty"`
}

// Config controls the coordinator. All fields may be changed at runtime.
type Config struct {
	Strategy                Strategy
	GracefulShutdownTimeout time.Duration
	DrainPollInterval       time.Duration
	FailoverDelay           time.Duration
	StateBackupInterval     time.Duration
	Criteria                Criteria
	HistorySize             int
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyImmediate,
		GracefulShutdownTimeout: 30 * time.Second,
		DrainPollInterval:       250 * time.Millisecond,
		FailoverDelay:           10 * time.Second,
		StateBackupInterval:     time.Minute,
		Criteria:                DefaultCriteria(),
		HistorySize:             100,
	}
}
