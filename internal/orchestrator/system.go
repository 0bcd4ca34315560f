// Package orchestrator wires the scheduler, the recovery subsystem and a
// pool of workers into a running supervisor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/supervisor/internal/config"
	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/events"
	"github.com/aristath/supervisor/internal/failover"
	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/health"
	"github.com/aristath/supervisor/internal/metrics"
	"github.com/aristath/supervisor/internal/recovery"
	"github.com/aristath/supervisor/internal/scheduler"
	"github.com/aristath/supervisor/internal/worker"
)

var (
	ErrAlreadyStarted = errors.New("system already started")
	ErrShutdown       = errors.New("system is shut down")
)

// System is the supervisor engine. It owns the task scheduler, the error
// classifier and strategy chain, the health monitor and the failover
// coordinator, and implements the side effects they ask for on its pool.
type System struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	bus        *events.EventBus
	sched      *scheduler.Scheduler
	classifier *faults.Classifier
	errors     *errlog.Log
	chain      *recovery.Chain
	recovery   *recovery.Manager
	monitor    *health.Monitor
	failover   *failover.Coordinator
	breakers   *CircuitBreakerRegistry
	pool       *worker.Pool
	storage    *Storage
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	loops  *errgroup.Group
	closed bool
}

var (
	_ recovery.Actions       = (*System)(nil)
	_ health.RecoveryActions = (*System)(nil)
	_ health.Prober          = (*System)(nil)
	_ failover.WorkerState   = (*System)(nil)
)

// NewSystem builds a System from cfg. Workers declared in cfg are added to
// pool; every worker in pool is registered with the scheduler and the health
// monitor. A nil pool or storage gets an empty pool or in-memory storage.
func NewSystem(cfg *config.Config, pool *worker.Pool, storage *Storage) (*System, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if pool == nil {
		pool = worker.NewPool(nil)
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}

	s := &System{
		cfg:        cfg,
		bus:        events.NewEventBus(),
		sched:      scheduler.NewScheduler(nil, nil),
		classifier: faults.NewClassifier(),
		errors:     errlog.New(cfg.ErrorLog.LogConfig()),
		pool:       pool,
		storage:    storage,
		logger:     slog.Default(),
	}
	s.sched.SetWeights(cfg.Scheduler.Weights)

	s.chain = recovery.NewChain(recovery.BuiltinStrategies(chainActions{s}, cfg.Recovery.RetryPolicy())...)
	s.recovery = recovery.NewManager(s.classifier, s.chain, s.errors, cfg.Recovery.ManagerConfig())
	s.recovery.SetPublisher(s.bus)

	s.monitor = health.NewMonitor(cfg.Health.MonitorConfig(), s, s)
	s.monitor.SetPublisher(s.bus)

	s.failover = failover.NewCoordinator(cfg.Failover.CoordinatorConfig(), s.sched, storage.State)
	s.failover.SetHealthSource(s.monitor)
	s.failover.SetWorkerState(s)
	s.failover.SetPublisher(s.bus)

	s.breakers = NewCircuitBreakerRegistry(breakerConfig(cfg.Runner))

	for _, wc := range cfg.Workers {
		if _, ok := pool.Get(wc.ID); ok {
			continue
		}
		if _, err := pool.AddConfig(wc); err != nil {
			return nil, err
		}
	}
	for _, id := range pool.IDs() {
		w, _ := pool.Get(id)
		if err := s.register(w); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func breakerConfig(rc config.RunnerConfig) BreakerConfig {
	bc := DefaultBreakerConfig()
	if rc.BreakerFailures > 0 {
		bc.ConsecutiveFailures = uint32(rc.BreakerFailures)
	}
	if rc.BreakerTimeout > 0 {
		bc.Timeout = rc.BreakerTimeout
	}
	return bc
}

func (s *System) register(w worker.Worker) error {
	if err := s.sched.RegisterWorker(worker.Info(w)); err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID(), err)
	}
	s.monitor.RegisterWorker(w.ID())
	return nil
}

// SetLogger replaces the logger of the system and every component.
func (s *System) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()

	s.bus.SetLogger(l)
	s.sched.SetLogger(l)
	s.chain.SetLogger(l)
	s.recovery.SetLogger(l)
	s.monitor.SetLogger(l)
	s.failover.SetLogger(l)
	s.breakers.SetLogger(l)
}

func (s *System) log() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// Config returns the configuration in effect.
func (s *System) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ApplyConfig validates cfg and applies it to every component. Built-in
// strategies still registered pick up the new retry policy. Workers and
// storage are not changed.
func (s *System) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.sched.SetWeights(cfg.Scheduler.Weights)
	s.recovery.SetConfig(cfg.Recovery.ManagerConfig())
	s.monitor.SetConfig(cfg.Health.MonitorConfig())
	s.failover.SetConfig(cfg.Failover.CoordinatorConfig())
	s.errors.SetConfig(cfg.ErrorLog.LogConfig())
	s.breakers.SetConfig(breakerConfig(cfg.Runner))

	registered := make(map[string]bool)
	for _, name := range s.chain.Strategies() {
		registered[name] = true
	}
	for _, st := range recovery.BuiltinStrategies(chainActions{s}, cfg.Recovery.RetryPolicy()) {
		if registered[st.Name()] {
			s.chain.Register(st)
		}
	}

	s.log().Info("configuration applied",
		"failover_strategy", cfg.Failover.Strategy,
		"check_interval", cfg.Health.CheckInterval,
		"max_attempts", cfg.Recovery.MaxAttempts)
	return nil
}

// Accessors.

func (s *System) Events() *events.EventBus           { return s.bus }
func (s *System) Scheduler() *scheduler.Scheduler    { return s.sched }
func (s *System) Monitor() *health.Monitor           { return s.monitor }
func (s *System) Coordinator() *failover.Coordinator { return s.failover }
func (s *System) Recovery() *recovery.Manager        { return s.recovery }
func (s *System) Breakers() *CircuitBreakerRegistry  { return s.breakers }
func (s *System) Pool() *worker.Pool                 { return s.pool }
func (s *System) ErrorLog() *errlog.Log              { return s.errors }
func (s *System) Classifier() *faults.Classifier     { return s.classifier }
func (s *System) Storage() *Storage                  { return s.storage }
func (s *System) Chain() *recovery.Chain             { return s.chain }

// AddWorker adds w to the pool, registers it and rebalances unassigned tasks.
func (s *System) AddWorker(w worker.Worker) error {
	if err := s.pool.Add(w); err != nil {
		return err
	}
	if err := s.register(w); err != nil {
		s.pool.Remove(w.ID())
		return err
	}
	s.rebalance()
	return nil
}

// Task API

// SubmitTask creates a task and schedules it if its dependencies are met.
func (s *System) SubmitTask(ctx context.Context, spec scheduler.TaskSpec) (*scheduler.Task, error) {
	task, err := s.sched.SubmitTask(spec)
	if err != nil {
		return nil, err
	}
	metrics.RecordTaskSubmitted(task.Type)
	s.journalSave(ctx, task)
	if task.AssignedWorker != "" {
		s.publishScheduled(task)
	}
	return task, nil
}

// AddDependency makes taskID wait for dependsOn.
func (s *System) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if err := s.sched.AddDependency(taskID, dependsOn); err != nil {
		return err
	}
	if task, ok := s.sched.Task(taskID); ok {
		s.journalSave(ctx, task)
	}
	return nil
}

// GetNextTask hands workerID its next runnable task and marks it in progress.
func (s *System) GetNextTask(ctx context.Context, workerID string) (*scheduler.Task, bool) {
	task, ok := s.sched.GetNextTask(workerID)
	if !ok {
		return nil, false
	}
	s.journalSave(ctx, task)
	s.bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		Worker:    workerID,
		Timestamp: task.StartedAt,
	})
	return task, true
}

// CompleteTask records a successful result, clears the task's checkpoint and
// schedules dependents that became ready.
func (s *System) CompleteTask(ctx context.Context, taskID, result string) error {
	before, ok := s.sched.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err := s.sched.CompleteTask(taskID, result); err != nil {
		return err
	}

	d := runDuration(before)
	metrics.RecordTaskCompleted(before.AssignedWorker, d)
	if err := s.failover.ClearCheckpoint(ctx, taskID); err != nil {
		s.log().Warn("checkpoint not cleared", "task", taskID, "error", err)
	}
	s.journalStatus(ctx, taskID, scheduler.TaskCompleted, result, nil)
	s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        taskID,
		Worker:    before.AssignedWorker,
		Result:    result,
		Duration:  d,
		Timestamp: time.Now(),
	})

	for _, depID := range s.sched.Graph().Dependents(taskID) {
		dep, ok := s.sched.Task(depID)
		if ok && dep.Status == scheduler.TaskPending && dep.AssignedWorker != "" {
			s.journalSave(ctx, dep)
			s.publishScheduled(dep)
		}
	}
	return nil
}

// FailTask marks a task failed. Dependents stay pending.
func (s *System) FailTask(ctx context.Context, taskID string, cause error) error {
	before, ok := s.sched.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err := s.sched.FailTask(taskID, cause); err != nil {
		return err
	}

	d := runDuration(before)
	metrics.RecordTaskFailed(before.AssignedWorker, d)
	s.journalStatus(ctx, taskID, scheduler.TaskFailed, "", cause)
	s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
		ID:        taskID,
		Worker:    before.AssignedWorker,
		Err:       cause,
		Duration:  d,
		Timestamp: time.Now(),
	})
	return nil
}

// CancelTask withdraws a task that has not finished.
func (s *System) CancelTask(ctx context.Context, taskID string) error {
	if err := s.sched.CancelTask(taskID); err != nil {
		return err
	}
	s.journalStatus(ctx, taskID, scheduler.TaskCancelled, "", nil)
	s.log().Info("task cancelled", "task", taskID)
	return nil
}

// RequeueTask returns a task to pending and schedules it again.
func (s *System) RequeueTask(ctx context.Context, taskID string) (string, error) {
	workerID, err := s.sched.RequeueTask(taskID)
	if task, ok := s.sched.Task(taskID); ok {
		s.journalSave(ctx, task)
		if err == nil {
			s.publishScheduled(task)
		}
	}
	return workerID, err
}

// SaveCheckpoint records partial progress of a running task.
func (s *System) SaveCheckpoint(ctx context.Context, cp failover.TaskCheckpoint) error {
	if cp.WorkerID == "" {
		if task, ok := s.sched.Task(cp.TaskID); ok {
			cp.WorkerID = task.AssignedWorker
		}
	}
	return s.failover.SaveCheckpoint(ctx, cp)
}

func runDuration(t *scheduler.Task) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return time.Since(t.StartedAt)
}

func (s *System) publishScheduled(task *scheduler.Task) {
	metrics.RecordTaskScheduled(task.AssignedWorker)
	s.bus.Publish(events.TopicTask, events.TaskScheduledEvent{
		ID:        task.ID,
		Worker:    task.AssignedWorker,
		Timestamp: time.Now(),
	})
}

func (s *System) journalSave(ctx context.Context, task *scheduler.Task) {
	if s.storage.Journal == nil {
		return
	}
	if err := s.storage.Journal.SaveTask(ctx, task); err != nil {
		s.log().Warn("task not journaled", "task", task.ID, "error", err)
	}
}

func (s *System) journalStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, result string, cause error) {
	if s.storage.Journal == nil {
		return
	}
	if err := s.storage.Journal.UpdateTaskStatus(ctx, taskID, status, result, cause); err != nil {
		s.log().Warn("task status not journaled", "task", taskID, "status", status, "error", err)
	}
}

// Recovery API

// HandleError classifies err and runs the strategy chain on it.
func (s *System) HandleError(ctx context.Context, err error, fctx faults.Context) recovery.Result {
	return s.recovery.HandleError(ctx, err, fctx)
}

// RegisterStrategy adds or replaces a recovery strategy by name.
func (s *System) RegisterStrategy(st recovery.Strategy) {
	s.chain.Register(st)
}

// RemoveStrategy drops the named strategy and reports whether it existed.
func (s *System) RemoveStrategy(name string) bool {
	return s.chain.Remove(name)
}

// RegisterErrorPattern adds or replaces a classifier pattern by name.
func (s *System) RegisterErrorPattern(p faults.Pattern) error {
	return s.classifier.Register(p)
}

// Observability

// SystemHealth computes the current pool health without probing.
func (s *System) SystemHealth() health.SystemHealthStatus {
	return s.monitor.Status()
}

// CheckHealth probes every worker and returns the resulting status.
func (s *System) CheckHealth(ctx context.Context) health.SystemHealthStatus {
	return s.monitor.CheckHealth(ctx)
}

// WorkerHealth returns the health record of one worker.
func (s *System) WorkerHealth(workerID string) (health.AgentHealthMetrics, bool) {
	return s.monitor.Metrics(workerID)
}

// ErrorLogs returns recovery log entries matching f.
func (s *System) ErrorLogs(f errlog.Filter) []errlog.Entry {
	return s.errors.Entries(f)
}

// ErrorStatistics summarises recovery log entries matching f.
func (s *System) ErrorStatistics(f errlog.Filter) errlog.Statistics {
	return s.errors.Stats(f)
}

// ExportErrorLogs serialises recovery log entries matching f.
func (s *System) ExportErrorLogs(f errlog.Filter) ([]byte, error) {
	return s.errors.Export(f)
}

// ImportErrorLogs appends entries from an export.
func (s *System) ImportErrorLogs(data []byte) (imported, skipped int, err error) {
	return s.errors.Import(data)
}

// Subscribe registers h for one topic and returns its unsubscribe function.
func (s *System) Subscribe(topic string, h events.Handler) func() {
	return s.bus.Subscribe(topic, h)
}

// SubscribeAll registers h for every topic.
func (s *System) SubscribeAll(h events.Handler) func() {
	return s.bus.SubscribeAll(h)
}

// Operator actions

// ResetWorker clears a worker's failure and recovery history after manual
// intervention and makes it schedulable again.
func (s *System) ResetWorker(ctx context.Context, workerID string) error {
	if _, ok := s.pool.Get(workerID); !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, workerID)
	}
	if err := s.monitor.ResetWorker(workerID); err != nil {
		return err
	}
	s.recovery.ResetWorker(workerID)
	s.breakers.Reset(workerID)
	s.failover.Acknowledge(workerID)
	if err := s.sched.SetWorkerAvailable(workerID, true); err != nil {
		return err
	}
	s.log().Info("worker reset by operator", "worker", workerID)
	s.rebalance()
	return nil
}

// Failover moves workerID's tasks elsewhere. An empty strategy uses the
// configured one.
func (s *System) Failover(ctx context.Context, workerID, reason string, strategy failover.Strategy) (failover.Outcome, error) {
	if strategy == "" {
		return s.failover.InitiateFailover(ctx, workerID, reason)
	}
	return s.failover.InitiateFailoverWith(ctx, workerID, reason, strategy)
}

// CancelFailover cancels a delayed failover that has not fired.
func (s *System) CancelFailover(workerID string) error {
	return s.failover.CancelDelayedFailover(workerID)
}

// RecoverWorkerState restores workerID's last snapshot onto target.
func (s *System) RecoverWorkerState(ctx context.Context, workerID, target string) (failover.RecoveredState, error) {
	return s.failover.RecoverAgentState(ctx, workerID, target)
}

// ForceRecovery runs the worker recovery ladder now.
func (s *System) ForceRecovery(ctx context.Context, workerID string) recovery.Result {
	return s.monitor.ForceAgentRecovery(ctx, workerID)
}

// chainActions is what recovery strategies act through. Worker restarts take
// the monitor's recovery slot so they never overlap a ladder run.
type chainActions struct{ *System }

func (a chainActions) RestartWorker(ctx context.Context, workerID string) error {
	return a.monitor.Exclusive(ctx, workerID, func(ctx context.Context) error {
		return a.System.RestartWorker(ctx, workerID)
	})
}

// recovery.Actions and health.RecoveryActions

// RestartWorker restarts the worker process and closes its breaker.
func (s *System) RestartWorker(ctx context.Context, workerID string) error {
	w, ok := s.pool.Get(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, workerID)
	}
	if err := w.Restart(ctx); err != nil {
		return fmt.Errorf("restart %s: %w", workerID, err)
	}
	s.breakers.Reset(workerID)
	if err := s.sched.SetWorkerAvailable(workerID, true); err != nil {
		return err
	}
	s.log().Info("worker restarted", "worker", workerID)
	return nil
}

// ResetWorkerState closes the worker's breaker and makes it schedulable.
func (s *System) ResetWorkerState(ctx context.Context, workerID string) error {
	if _, ok := s.pool.Get(workerID); !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, workerID)
	}
	s.breakers.Reset(workerID)
	return s.sched.SetWorkerAvailable(workerID, true)
}

// ReassignTask moves a task to the best other worker that suits it, or back
// to unassigned pending when there is none.
func (s *System) ReassignTask(ctx context.Context, taskID string) error {
	task, ok := s.sched.Task(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	from := task.AssignedWorker

	for _, cand := range s.failover.Candidates(from, s.failover.Config().Criteria) {
		if !failover.Suits(cand, task) {
			continue
		}
		if err := s.sched.AssignTo(taskID, cand.WorkerID); err != nil {
			continue
		}
		if moved, ok := s.sched.Task(taskID); ok {
			s.journalSave(ctx, moved)
			s.publishScheduled(moved)
		}
		s.log().Info("task reassigned", "task", taskID, "from", from, "to", cand.WorkerID)
		return nil
	}

	if _, err := s.RequeueTask(ctx, taskID); err != nil && !errors.Is(err, scheduler.ErrNoAgentAvailable) && !errors.Is(err, scheduler.ErrNoSuitableAgent) {
		return fmt.Errorf("reassign %s: %w", taskID, err)
	}
	return nil
}

// Reconnect probes the worker and closes its breaker when it answers.
func (s *System) Reconnect(ctx context.Context, workerID string) error {
	res, err := s.Probe(ctx, workerID)
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", workerID, err)
	}
	s.breakers.Reset(workerID)
	s.monitor.RecordHeartbeat(workerID, res)
	return nil
}

// ReleaseLocks frees resources held by a task, or by every task of the
// worker when taskID is empty.
func (s *System) ReleaseLocks(ctx context.Context, workerID, taskID string) error {
	locks := s.sched.Locks()
	if taskID != "" {
		released := locks.ReleaseTask(taskID)
		s.log().Info("locks released", "task", taskID, "resources", released)
		return nil
	}
	if workerID == "" {
		return fmt.Errorf("release locks: no worker or task given")
	}
	for _, t := range s.sched.ActiveTasks(workerID) {
		locks.ReleaseTask(t.ID)
	}
	s.log().Info("locks released", "worker", workerID)
	return nil
}

// ResetSubsystem rebalances the scheduler after a subsystem failure.
func (s *System) ResetSubsystem(ctx context.Context, name string) error {
	n := s.rebalance()
	s.log().Warn("subsystem reset", "subsystem", name, "rebalanced", n)
	return nil
}

// ReassignWorkerTasks fails the worker over with the configured strategy.
// The worker stays schedulable when its tasks were moved.
func (s *System) ReassignWorkerTasks(ctx context.Context, workerID string) error {
	out, err := s.failover.InitiateFailover(ctx, workerID, "worker recovery")
	if err != nil {
		return err
	}
	switch out.Status {
	case failover.StatusCompleted, failover.StatusPartial:
		return s.sched.SetWorkerAvailable(workerID, true)
	case failover.StatusScheduled:
		return nil
	case failover.StatusManual:
		return fmt.Errorf("failover of %s awaits an operator", workerID)
	}
	return fmt.Errorf("failover of %s %s: %s", workerID, out.Status, out.Message)
}

// IsolateWorker takes the worker out of scheduling and moves its tasks off
// immediately.
func (s *System) IsolateWorker(ctx context.Context, workerID string) error {
	if err := s.sched.SetWorkerAvailable(workerID, false); err != nil {
		return err
	}
	out, err := s.failover.InitiateFailoverWith(ctx, workerID, "worker isolated", failover.StrategyImmediate)
	if errors.Is(err, failover.ErrFailoverInProgress) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log().Warn("worker isolated", "worker", workerID, "reassigned", len(out.Reassigned), "failed", len(out.Failed))
	return nil
}

// Probe times the worker's health probe.
func (s *System) Probe(ctx context.Context, workerID string) (health.ProbeResult, error) {
	w, ok := s.pool.Get(workerID)
	if !ok {
		return health.ProbeResult{}, fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, workerID)
	}
	start := time.Now()
	err := w.HealthProbe(ctx)
	return health.ProbeResult{ResponseTime: time.Since(start)}, err
}

// failover.WorkerState

// WorkerConfig describes the worker for snapshots.
func (s *System) WorkerConfig(workerID string) map[string]string {
	info, ok := s.sched.Worker(workerID)
	if !ok {
		return nil
	}
	caps := append([]string(nil), info.Capabilities...)
	sort.Strings(caps)
	cfg := map[string]string{
		"capabilities":         strings.Join(caps, ","),
		"max_concurrent_tasks": strconv.Itoa(info.MaxConcurrentTasks),
	}
	if w, ok := s.pool.Get(workerID); ok {
		if p, ok := w.(*worker.Process); ok {
			pc := p.Config()
			cfg["type"] = pc.Type
			cfg["command"] = pc.Command
		}
	}
	return cfg
}

// RestoreWorkerConfig gives workerID the capabilities recorded in cfg.
func (s *System) RestoreWorkerConfig(ctx context.Context, workerID string, cfg map[string]string) error {
	var caps []string
	for _, c := range strings.Split(cfg["capabilities"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	return s.sched.AddCapabilities(workerID, caps...)
}

// Lifecycle

// Start runs the health sweep, the state backup and queue rebalancing until
// ctx is cancelled or Shutdown is called.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShutdown
	}
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if err := s.monitor.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("start health monitor: %w", err)
	}
	if err := s.failover.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("start failover coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		s.rebalanceLoop(gctx)
		return nil
	})
	s.cancel = cancel
	s.loops = g

	s.logger.Info("supervisor started", "workers", s.pool.Len())
	return nil
}

func (s *System) rebalanceLoop(ctx context.Context) {
	for {
		interval := s.Config().Scheduler.RebalanceInterval
		enabled := interval > 0
		if !enabled {
			interval = time.Second
		}
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if enabled {
				if n := s.rebalance(); n > 0 {
					s.log().Debug("queues rebalanced", "assigned", n)
				}
			}
		}
	}
}

// rebalance assigns ready unassigned tasks to workers with free capacity.
func (s *System) rebalance() int {
	return s.sched.RebalanceQueues()
}

// Shutdown stops background loops, waits for running recoveries and
// failovers until ctx is done, then shuts down the workers and closes
// storage and the event bus.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, loops := s.cancel, s.loops
	s.cancel, s.loops = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = loops.Wait()
	}

	var errs []error
	if err := s.monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health monitor: %w", err))
	}
	if err := s.failover.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failover coordinator: %w", err))
	}
	if err := s.pool.ShutdownAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workers: %w", err))
	}
	if err := s.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	s.bus.Close()

	s.log().Info("supervisor stopped")
	return errors.Join(errs...)
}
