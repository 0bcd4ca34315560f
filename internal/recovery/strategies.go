package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/supervisor/internal/faults"
)

// Built-in strategy priorities.
const (
	PriorityAgent         = 100
	PriorityTask          = 90
	PriorityCommunication = 80
	PriorityFile          = 70
	PrioritySystem        = 60
	PriorityValidation    = 50
	PriorityFallback      = 0
)

type recoverFunc func(ctx context.Context, f *Failure) (Result, error)

// kindStrategy handles every failure of one kind.
type kindStrategy struct {
	name     string
	priority int
	kind     faults.Kind
	recover  recoverFunc
}

func (s *kindStrategy) Name() string              { return s.name }
func (s *kindStrategy) Priority() int             { return s.priority }
func (s *kindStrategy) CanHandle(f *Failure) bool { return f.Classification.Kind == s.kind }
func (s *kindStrategy) Recover(ctx context.Context, f *Failure) (Result, error) {
	return s.recover(ctx, f)
}

// NewStrategy builds a strategy handling every failure of the given kind.
func NewStrategy(name string, priority int, kind faults.Kind, fn func(ctx context.Context, f *Failure) (Result, error)) Strategy {
	return &kindStrategy{name: name, priority: priority, kind: kind, recover: fn}
}

func disruptive(sev faults.Severity) bool {
	return sev.Rank() >= faults.SeverityHigh.Rank()
}

func retryLater(p RetryPolicy, f *Failure, msg string) Result {
	return Result{
		Success:    true,
		Action:     ActionRetry,
		Message:    msg,
		RetryAfter: p.Delay(f.Attempt),
	}
}

// act runs one side effect and turns its outcome into a Result.
func act(action, okMsg string, err error) (Result, error) {
	if err != nil {
		return Result{Action: action, Message: err.Error()}, fmt.Errorf("%s: %w", action, err)
	}
	return Result{Success: true, Action: action, Message: okMsg}, nil
}

// restart restarts the worker. A restart refused because the worker is
// already being recovered leaves the recovery in charge.
func restart(ctx context.Context, a Actions, worker, okMsg string) (Result, error) {
	err := a.RestartWorker(ctx, worker)
	if errors.Is(err, ErrRecoveryInProgress) {
		return Result{Success: true, Action: ActionAlreadyInProgress, Message: "recovery already in progress for " + worker}, nil
	}
	return act(ActionRestartWorker, okMsg, err)
}

// BuiltinStrategies returns the default strategy set, fallback included.
func BuiltinStrategies(a Actions, p RetryPolicy) []Strategy {
	if a == nil {
		a = NopActions{}
	}
	return []Strategy{
		NewAgentStrategy(a, p),
		NewTaskStrategy(a, p),
		NewCommunicationStrategy(a, p),
		NewFileStrategy(a, p),
		NewSystemStrategy(a, p),
		NewValidationStrategy(),
		NewFallbackStrategy(),
	}
}

// NewAgentStrategy retries transient worker failures, resets worker state
// for medium ones and restarts the worker for severe ones.
func NewAgentStrategy(a Actions, p RetryPolicy) Strategy {
	return NewStrategy("agent", PriorityAgent, faults.KindAgent, func(ctx context.Context, f *Failure) (Result, error) {
		worker := f.Context.WorkerID
		switch {
		case f.Classification.Severity == faults.SeverityLow || worker == "":
			return retryLater(p, f, "transient worker failure"), nil
		case disruptive(f.Classification.Severity):
			return restart(ctx, a, worker, "worker "+worker+" restarted")
		default:
			return act(ActionResetState, "worker "+worker+" state reset", a.ResetWorkerState(ctx, worker))
		}
	})
}

// NewTaskStrategy retries, reassigns or cancels the failing task.
func NewTaskStrategy(a Actions, p RetryPolicy) Strategy {
	return NewStrategy("task", PriorityTask, faults.KindTask, func(ctx context.Context, f *Failure) (Result, error) {
		task := f.Context.TaskID
		switch {
		case f.Classification.Severity == faults.SeverityLow || task == "":
			return retryLater(p, f, "task will be retried"), nil
		case disruptive(f.Classification.Severity):
			return act(ActionCancelTask, "task "+task+" cancelled", a.CancelTask(ctx, task))
		default:
			return act(ActionReassign, "task "+task+" reassigned", a.ReassignTask(ctx, task))
		}
	})
}

// NewCommunicationStrategy backs off on throttling and reconnects otherwise.
// A severe failure whose reconnect fails restarts the worker.
func NewCommunicationStrategy(a Actions, p RetryPolicy) Strategy {
	return NewStrategy("communication", PriorityCommunication, faults.KindCommunication, func(ctx context.Context, f *Failure) (Result, error) {
		worker := f.Context.WorkerID
		if f.Classification.Severity == faults.SeverityLow || worker == "" {
			return retryLater(p, f, "retrying with backoff"), nil
		}
		err := a.Reconnect(ctx, worker)
		if err == nil {
			res := Result{Success: true, Action: ActionReconnect, Message: "reconnected to " + worker}
			res.RetryAfter = p.Delay(1)
			return res, nil
		}
		if !disruptive(f.Classification.Severity) {
			return act(ActionReconnect, "", err)
		}
		return restart(ctx, a, worker, "worker "+worker+" restarted after failed reconnect")
	})
}

// NewFileStrategy releases locks held by the failing worker or task and
// resets the filesystem subsystem on critical failures.
func NewFileStrategy(a Actions, p RetryPolicy) Strategy {
	return NewStrategy("file", PriorityFile, faults.KindFile, func(ctx context.Context, f *Failure) (Result, error) {
		switch f.Classification.Severity {
		case faults.SeverityLow:
			return Result{Success: true, Action: ActionContinue, Message: "file issue ignored"}, nil
		case faults.SeverityCritical:
			return act(ActionResetSubsystem, "filesystem subsystem reset", a.ResetSubsystem(ctx, "filesystem"))
		}
		res, err := act(ActionReleaseLock, "locks released", a.ReleaseLocks(ctx, f.Context.WorkerID, f.Context.TaskID))
		if err == nil {
			res.RetryAfter = p.Delay(f.Attempt)
		}
		return res, err
	})
}

// NewSystemStrategy continues past minor issues, retries medium ones and
// resets the affected subsystem for severe ones.
func NewSystemStrategy(a Actions, p RetryPolicy) Strategy {
	return NewStrategy("system", PrioritySystem, faults.KindSystem, func(ctx context.Context, f *Failure) (Result, error) {
		switch {
		case f.Classification.Severity == faults.SeverityLow:
			return Result{Success: true, Action: ActionContinue, Message: "system issue ignored"}, nil
		case disruptive(f.Classification.Severity):
			name := f.Classification.Category
			if name == "" || name == "unknown" {
				name = "system"
			}
			return act(ActionResetSubsystem, name+" subsystem reset", a.ResetSubsystem(ctx, name))
		default:
			return retryLater(p, f, "system operation will be retried"), nil
		}
	})
}

// NewValidationStrategy never recovers: bad input needs a human.
func NewValidationStrategy() Strategy {
	return NewStrategy("validation", PriorityValidation, faults.KindValidation, func(ctx context.Context, f *Failure) (Result, error) {
		return Result{Action: ActionManualIntervention, Message: "validation failures require manual correction"}, nil
	})
}

type fallbackStrategy struct{}

// NewFallbackStrategy handles anything and escalates to an operator.
func NewFallbackStrategy() Strategy { return fallbackStrategy{} }

func (fallbackStrategy) Name() string            { return "fallback" }
func (fallbackStrategy) Priority() int           { return PriorityFallback }
func (fallbackStrategy) CanHandle(*Failure) bool { return true }
func (fallbackStrategy) Recover(_ context.Context, f *Failure) (Result, error) {
	return Result{
		Action:  ActionManualIntervention,
		Message: fmt.Sprintf("no automatic recovery for %s/%s", f.Classification.Kind, f.Classification.Category),
	}, nil
}
