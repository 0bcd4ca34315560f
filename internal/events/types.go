package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	WorkerID() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicRecovery = "recovery"
	TopicHealth   = "health"
	TopicFailover = "failover"
	TopicSystem   = "system"
)

// Event type constants
const (
	EventTypeTaskScheduled   = "task.scheduled"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeRecoveryAttempt = "recovery.attempt"
	EventTypeWorkerHealth    = "health.worker"
	EventTypeWorkerRecovery  = "health.recovery"
	EventTypeSystemHealth    = "system.health"
	EventTypeFailover        = "failover.result"
)

// TaskScheduledEvent is published when a task is assigned to a worker queue.
type TaskScheduledEvent struct {
	ID        string
	Worker    string
	Timestamp time.Time
}

func (e TaskScheduledEvent) EventType() string { return EventTypeTaskScheduled }
func (e TaskScheduledEvent) WorkerID() string  { return e.Worker }
func (e TaskScheduledEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a worker begins executing a task.
type TaskStartedEvent struct {
	ID        string
	Worker    string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) WorkerID() string  { return e.Worker }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Worker    string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) WorkerID() string  { return e.Worker }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Worker    string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) WorkerID() string  { return e.Worker }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// RecoveryAttemptEvent is published for every error handled by the strategy chain.
type RecoveryAttemptEvent struct {
	Worker    string
	Task      string
	Kind      string
	Severity  string
	Category  string
	Strategy  string
	Action    string
	Success   bool
	Message   string
	Attempt   int
	Timestamp time.Time
}

func (e RecoveryAttemptEvent) EventType() string { return EventTypeRecoveryAttempt }
func (e RecoveryAttemptEvent) WorkerID() string  { return e.Worker }
func (e RecoveryAttemptEvent) TaskID() string    { return e.Task }

// WorkerHealthEvent is published when a worker's health state changes.
type WorkerHealthEvent struct {
	Worker              string
	State               string
	Healthy             bool
	ConsecutiveFailures int
	LastError           string
	Timestamp           time.Time
}

func (e WorkerHealthEvent) EventType() string { return EventTypeWorkerHealth }
func (e WorkerHealthEvent) WorkerID() string  { return e.Worker }
func (e WorkerHealthEvent) TaskID() string    { return "" }

// WorkerRecoveryEvent is published when a worker recovery ladder finishes.
type WorkerRecoveryEvent struct {
	Worker    string
	Action    string
	Success   bool
	Message   string
	Attempt   int
	Timestamp time.Time
}

func (e WorkerRecoveryEvent) EventType() string { return EventTypeWorkerRecovery }
func (e WorkerRecoveryEvent) WorkerID() string  { return e.Worker }
func (e WorkerRecoveryEvent) TaskID() string    { return "" }

// SystemHealthEvent is published after each health sweep. Degraded is set
// when the health percentage fell below the configured threshold.
type SystemHealthEvent struct {
	HealthPercentage float64
	HealthyWorkers   int
	TotalWorkers     int
	Degraded         bool
	Timestamp        time.Time
}

func (e SystemHealthEvent) EventType() string { return EventTypeSystemHealth }
func (e SystemHealthEvent) WorkerID() string  { return "" }
func (e SystemHealthEvent) TaskID() string    { return "" }

// FailoverEvent is published when a failover finishes or is scheduled.
type FailoverEvent struct {
	ID         string
	Worker     string
	Strategy   string
	Status     string
	Reason     string
	Reassigned []string
	Failed     []string
	Timestamp  time.Time
}

func (e FailoverEvent) EventType() string { return EventTypeFailover }
func (e FailoverEvent) WorkerID() string  { return e.Worker }
func (e FailoverEvent) TaskID() string    { return "" }
