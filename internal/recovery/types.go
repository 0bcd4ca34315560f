// Package recovery dispatches classified failures to prioritised recovery
// strategies and tracks attempts per failure.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/supervisor/internal/faults"
)

// ErrRecoveryInProgress is returned by an action refused because the worker's
// recovery is already running.
var ErrRecoveryInProgress = errors.New("worker recovery already in progress")

// Recovery actions reported in Result.Action.
const (
	ActionContinue           = "continue"
	ActionRetry              = "retry"
	ActionResetState         = "reset_state"
	ActionReassign           = "reassign"
	ActionReconnect          = "reconnect"
	ActionReleaseLock        = "release_lock"
	ActionRestartWorker      = "restart_worker"
	ActionCancelTask         = "cancel_task"
	ActionResetSubsystem     = "reset_subsystem"
	ActionIsolate            = "isolate"
	ActionEscalated          = "escalated"
	ActionManualIntervention = "manual_intervention"
	ActionAlreadyInProgress  = "already_in_progress"
)

// Result is the outcome of a recovery attempt.
type Result struct {
	Success    bool          `json:"success"`
	Action     string        `json:"action"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Strategy   string        `json:"strategy,omitempty"`
}

// Failure is what a strategy is asked to recover from.
type Failure struct {
	Err            error
	Classification faults.Classification
	Context        faults.Context
	Attempt        int // 1-based
}

// Strategy recovers from a family of failures. Higher Priority runs first.
type Strategy interface {
	Name() string
	Priority() int
	CanHandle(f *Failure) bool
	Recover(ctx context.Context, f *Failure) (Result, error)
}

// Actions are the side effects strategies may invoke on the engine.
type Actions interface {
	RestartWorker(ctx context.Context, workerID string) error
	ResetWorkerState(ctx context.Context, workerID string) error
	ReassignTask(ctx context.Context, taskID string) error
	CancelTask(ctx context.Context, taskID string) error
	Reconnect(ctx context.Context, workerID string) error
	ReleaseLocks(ctx context.Context, workerID, taskID string) error
	ResetSubsystem(ctx context.Context, name string) error
}

// NopActions accepts every action without doing anything.
type NopActions struct{}

func (NopActions) RestartWorker(context.Context, string) error        { return nil }
func (NopActions) ResetWorkerState(context.Context, string) error     { return nil }
func (NopActions) ReassignTask(context.Context, string) error         { return nil }
func (NopActions) CancelTask(context.Context, string) error           { return nil }
func (NopActions) Reconnect(context.Context, string) error            { return nil }
func (NopActions) ReleaseLocks(context.Context, string, string) error { return nil }
func (NopActions) ResetSubsystem(context.Context, string) error       { return nil }
