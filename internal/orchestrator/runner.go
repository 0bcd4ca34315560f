package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/scheduler"
	"github.com/aristath/supervisor/internal/worker"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultRequeues     = 3
)

// TaskResult represents the outcome of one task execution.
type TaskResult struct {
	TaskID   string
	WorkerID string
	Success  bool
	Output   string
	Error    error
	Action   string // Recovery action taken after a failure
	Duration time.Duration
}

// Runner pulls tasks from the scheduler and executes them on their assigned
// workers, one loop per worker slot. Failures go through the recovery chain
// and the health monitor; a task whose recovery succeeded is requeued up to
// Recovery.MaxAttempts times before it is failed.
type Runner struct {
	sys   *System
	retry RetryConfig

	mu       sync.Mutex
	requeues map[string]int
	results  []TaskResult
}

// NewRunner creates a runner over sys.
func NewRunner(sys *System) *Runner {
	retry := DefaultRetryConfig()
	if n := sys.Config().Runner.MaxRetries; n >= 0 {
		retry.MaxRetries = uint64(n)
	}
	return &Runner{
		sys:      sys,
		retry:    retry,
		requeues: make(map[string]int),
	}
}

// SetRetryConfig replaces the per-execution retry settings.
func (r *Runner) SetRetryConfig(cfg RetryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retry = cfg
}

// Results returns the outcomes recorded so far, in completion order.
func (r *Runner) Results() []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskResult(nil), r.results...)
}

// Run executes tasks until ctx is cancelled. Tasks interrupted by the
// cancellation are returned to pending.
func (r *Runner) Run(ctx context.Context) error {
	r.run(ctx, false)
	return ctx.Err()
}

// RunUntilIdle executes tasks until no task is running or queued and none
// can be assigned, then returns the recorded results.
func (r *Runner) RunUntilIdle(ctx context.Context) ([]TaskResult, error) {
	r.run(ctx, true)
	return r.Results(), ctx.Err()
}

func (r *Runner) run(ctx context.Context, untilIdle bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, id := range r.sys.Pool().IDs() {
		w, ok := r.sys.Pool().Get(id)
		if !ok {
			continue
		}
		for slot := 0; slot < worker.Info(w).MaxConcurrentTasks; slot++ {
			g.Go(func() error {
				r.workerLoop(gctx, w)
				return nil
			})
		}
	}
	if untilIdle {
		g.Go(func() error {
			r.waitIdle(gctx)
			cancel()
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) pollInterval() time.Duration {
	if d := r.sys.Config().Runner.PollInterval; d > 0 {
		return d
	}
	return defaultPollInterval
}

func (r *Runner) workerLoop(ctx context.Context, w worker.Worker) {
	for ctx.Err() == nil {
		task, ok := r.next(ctx, w.ID())
		if !ok {
			if !sleep(ctx, r.pollInterval()) {
				return
			}
			continue
		}
		r.execute(ctx, w, task)
	}
}

// next returns the worker's next task unless the worker is offline or
// being recovered.
func (r *Runner) next(ctx context.Context, workerID string) (*scheduler.Task, bool) {
	info, ok := r.sys.Scheduler().Worker(workerID)
	if !ok || !info.Available || r.sys.Monitor().IsRecovering(workerID) {
		return nil, false
	}
	return r.sys.GetNextTask(ctx, workerID)
}

func (r *Runner) execute(ctx context.Context, w worker.Worker, task *scheduler.Task) {
	r.mu.Lock()
	retry := r.retry
	r.mu.Unlock()

	logger := r.sys.log()
	logger.Debug("task started", "task", task.ID, "worker", w.ID())

	res, err := executeWithRetry(ctx, w, task, r.sys.Breakers().Get(w.ID()), retry)
	if err == nil {
		r.sys.Monitor().RecordSuccess(w.ID(), res.Duration)
		if err := r.sys.CompleteTask(ctx, task.ID, res.Output); err != nil {
			logger.Warn("completed task not recorded", "task", task.ID, "error", err)
		}
		r.record(TaskResult{TaskID: task.ID, WorkerID: w.ID(), Success: true, Output: res.Output, Duration: res.Duration})
		return
	}

	if ctx.Err() != nil {
		if _, rerr := r.sys.RequeueTask(context.WithoutCancel(ctx), task.ID); rerr != nil {
			logger.Debug("interrupted task left as is", "task", task.ID, "error", rerr)
		}
		return
	}

	logger.Warn("task execution failed", "task", task.ID, "worker", w.ID(), "error", err)
	fctx := faults.Context{WorkerID: w.ID(), TaskID: task.ID, Operation: "execute"}
	rec := r.sys.HandleError(ctx, err, fctx)
	if kind := r.sys.Classifier().Classify(err, fctx).Kind; workerFault(kind) {
		r.sys.Monitor().ReportFailure(w.ID(), err)
	}

	result := TaskResult{TaskID: task.ID, WorkerID: w.ID(), Output: res.Output, Error: err, Action: rec.Action, Duration: res.Duration}
	defer r.record(result)

	// Recovery may already have moved, cancelled or failed the task.
	if cur, ok := r.sys.Scheduler().Task(task.ID); !ok || cur.Status != scheduler.TaskInProgress || cur.AssignedWorker != w.ID() {
		return
	}

	if rec.Success && r.allowRequeue(task.ID) {
		if !sleep(ctx, rec.RetryAfter) {
			return
		}
		if _, rerr := r.sys.RequeueTask(ctx, task.ID); rerr != nil {
			logger.Debug("task left pending", "task", task.ID, "error", rerr)
		}
		return
	}

	if ferr := r.sys.FailTask(ctx, task.ID, err); ferr != nil {
		logger.Warn("failed task not recorded", "task", task.ID, "error", ferr)
	}
}

// workerFault reports whether a failure of kind k reflects on the worker that
// ran the task. Bad input and missing files fail the task, not the worker.
func workerFault(k faults.Kind) bool {
	switch k {
	case faults.KindValidation, faults.KindTask, faults.KindFile:
		return false
	}
	return true
}

func (r *Runner) allowRequeue(taskID string) bool {
	budget := r.sys.Config().Recovery.MaxAttempts
	if budget <= 0 {
		budget = defaultRequeues
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeues[taskID]++
	return r.requeues[taskID] <= budget
}

func (r *Runner) record(res TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// waitIdle returns once the scheduler has nothing running or queued and a
// rebalance assigns nothing new.
func (r *Runner) waitIdle(ctx context.Context) {
	for sleep(ctx, r.pollInterval()) {
		if r.sys.Scheduler().Idle() && r.sys.rebalance() == 0 && r.sys.Scheduler().Idle() {
			return
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
