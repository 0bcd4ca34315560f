// Package health tracks per-worker health and drives the worker recovery
// ladder: restart, reassign tasks, isolate, then manual intervention.
package health

import (
	"context"
	"time"
)

// State is a worker's position in the health lifecycle.
type State string

const (
	StateHealthy    State = "healthy"
	StateDegraded   State = "degraded"
	StateRecovering State = "recovering"
	StateIsolated   State = "isolated"
	StateEscalated  State = "escalated"
)

// ResourceUsage is the latest resource sample reported by a worker.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// AgentHealthMetrics is the monitor's record for one worker.
type AgentHealthMetrics struct {
	WorkerID            string        `json:"worker_id"`
	Healthy             bool          `json:"healthy"`
	State               State         `json:"state"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ResponseTime        time.Duration `json:"response_time"`
	Resources           ResourceUsage `json:"resources"`
	TasksSucceeded      int           `json:"tasks_succeeded"`
	TasksFailed         int           `json:"tasks_failed"`
	TaskSuccessRate     float64       `json:"task_success_rate"`
	LastError           string        `json:"last_error,omitempty"`
	RecoveryAttempts    int           `json:"recovery_attempts"`
	LastRecovery        time.Time     `json:"last_recovery,omitempty"`
}

// SystemHealthStatus aggregates the pool.
type SystemHealthStatus struct {
	HealthPercentage float64   `json:"health_percentage"`
	HealthyWorkers   int       `json:"healthy_workers"`
	UnhealthyWorkers int       `json:"unhealthy_workers"`
	TotalWorkers     int       `json:"total_workers"`
	ActiveRecoveries int       `json:"active_recoveries"`
	CriticalIssues   []string  `json:"critical_issues,omitempty"`
	Warnings         []string  `json:"warnings,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}

// ProbeResult is what a successful health probe reports.
type ProbeResult struct {
	ResponseTime time.Duration
	Resources    ResourceUsage
}

// Prober checks whether a worker is alive.
type Prober interface {
	Probe(ctx context.Context, workerID string) (ProbeResult, error)
}

// RecoveryActions are the ladder steps. Each returns nil on success.
type RecoveryActions interface {
	RestartWorker(ctx context.Context, workerID string) error
	ReassignWorkerTasks(ctx context.Context, workerID string) error
	IsolateWorker(ctx context.Context, workerID string) error
}

// Config controls the monitor. All fields may be changed at runtime.
type Config struct {
	Enabled                bool
	CheckInterval          time.Duration
	ProbeTimeout           time.Duration
	RecoveryTimeout        time.Duration // Per ladder step
	MaxConsecutiveFailures int
	MaxRecoveryAttempts    int
	SystemHealthThreshold  float64 // Percent
	HeartbeatTimeout       time.Duration
	SlowResponseThreshold  time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		CheckInterval:          30 * time.Second,
		ProbeTimeout:           5 * time.Second,
		RecoveryTimeout:        30 * time.Second,
		MaxConsecutiveFailures: 3,
		MaxRecoveryAttempts:    3,
		SystemHealthThreshold:  70,
		HeartbeatTimeout:       2 * time.Minute,
		SlowResponseThreshold:  10 * time.Second,
	}
}
