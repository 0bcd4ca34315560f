package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/scheduler"
)

// ExecFunc performs a task in-process and returns its output.
type ExecFunc func(ctx context.Context, task *scheduler.Task) (string, error)

// Local runs tasks through an in-process function. A panic in the function is
// returned as an agent error.
type Local struct {
	id string
	fn ExecFunc

	caps     []string
	maxTasks int

	mu       sync.Mutex
	probe    func(context.Context) error
	down     bool
	restarts int
}

var _ Worker = (*Local)(nil)

// NewLocal creates an in-process worker.
func NewLocal(id string, fn ExecFunc) *Local {
	return &Local{id: id, fn: fn}
}

// WithCapabilities sets the tags and concurrency the worker advertises to
// the scheduler. It must be called before the worker is registered.
func (l *Local) WithCapabilities(maxTasks int, caps ...string) *Local {
	l.maxTasks = maxTasks
	l.caps = append([]string(nil), caps...)
	return l
}

// Info returns the scheduler's view of the worker.
func (l *Local) Info() scheduler.WorkerInfo {
	return Config{ID: l.id, Capabilities: l.caps, MaxConcurrentTasks: l.maxTasks}.Info()
}

// SetProbe replaces the health probe. The default probe always succeeds.
func (l *Local) SetProbe(fn func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.probe = fn
}

func (l *Local) ID() string { return l.id }

// Restarts returns how many times Restart has been called.
func (l *Local) Restarts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restarts
}

func (l *Local) Execute(ctx context.Context, task *scheduler.Task) (res Result, err error) {
	l.mu.Lock()
	down := l.down
	l.mu.Unlock()
	if down {
		return Result{}, faults.Wrap(ErrClosed, faults.KindAgent, faults.SeverityHigh, "worker_down").
			WithWorker(l.id).WithTask(task.ID)
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			err = faults.New(faults.KindAgent, faults.SeverityHigh, "panic", fmt.Sprintf("worker panicked: %v", r)).
				WithWorker(l.id).WithTask(task.ID)
		}
	}()

	out, err := l.fn(ctx, task)
	return Result{Output: out}, err
}

func (l *Local) HealthProbe(ctx context.Context) error {
	l.mu.Lock()
	probe, down := l.probe, l.down
	l.mu.Unlock()
	if down {
		return ErrClosed
	}
	if probe == nil {
		return nil
	}
	return probe(ctx)
}

func (l *Local) Restart(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = false
	l.restarts++
	return nil
}

func (l *Local) Shutdown(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = true
	return nil
}
