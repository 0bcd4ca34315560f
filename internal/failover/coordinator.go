package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/supervisor/internal/events"
	"github.com/aristath/supervisor/internal/metrics"
	"github.com/aristath/supervisor/internal/scheduler"
)

// TaskPool is the scheduler surface the coordinator drives.
type TaskPool interface {
	Worker(workerID string) (*scheduler.WorkerInfo, bool)
	Workers() []*scheduler.WorkerInfo
	ActiveTasks(workerID string) []*scheduler.Task
	CompletedTasks(workerID string) []*scheduler.Task
	HeldResources(workerID string) []string
	AssignTo(taskID, workerID string) error
	FailTask(taskID string, cause error) error
	SetWorkerAvailable(workerID string, available bool) error
}

// WorkerState reads and restores per-worker configuration for snapshots.
type WorkerState interface {
	WorkerConfig(workerID string) map[string]string
	RestoreWorkerConfig(ctx context.Context, workerID string, cfg map[string]string) error
}

// RecoveredState is what RecoverAgentState restored.
type RecoveredState struct {
	Snapshot    AgentStateSnapshot
	Target      string
	Checkpoints []TaskCheckpoint
	Reassigned  []string
}

type pendingFailover struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator runs failovers. At most one failover is active per worker.
type Coordinator struct {
	mu        sync.RWMutex
	cfg       Config
	pool      TaskPool
	store     Store
	health    HealthSource
	state     WorkerState
	publisher events.Publisher
	log       *slog.Logger

	active  map[string]bool
	delayed map[string]*pendingFailover
	manual  map[string]Outcome
	history []Outcome

	stopped  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
	bg       context.Context
	bgCancel context.CancelFunc

	now func() time.Time
}

// NewCoordinator creates a coordinator over pool. A nil store uses a
// MemoryStore.
func NewCoordinator(cfg Config, pool TaskPool, store Store) *Coordinator {
	if store == nil {
		store = NewMemoryStore()
	}
	bg, bgCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		pool:     pool,
		store:    store,
		log:      slog.Default(),
		active:   make(map[string]bool),
		delayed:  make(map[string]*pendingFailover),
		manual:   make(map[string]Outcome),
		bg:       bg,
		bgCancel: bgCancel,
		now:      time.Now,
	}
}

// SetLogger replaces the coordinator's logger.
func (c *Coordinator) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = l
}

func (c *Coordinator) logger() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.log
}

// SetPublisher sets where failover events are published.
func (c *Coordinator) SetPublisher(p events.Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publisher = p
}

// SetHealthSource sets where candidate success rates and response times
// come from.
func (c *Coordinator) SetHealthSource(h HealthSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
}

// SetWorkerState sets the worker configuration provider used by snapshots
// and RecoverAgentState.
func (c *Coordinator) SetWorkerState(s WorkerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SetConfig applies new settings to subsequent failovers.
func (c *Coordinator) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Config returns the current settings.
func (c *Coordinator) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Store returns the snapshot and checkpoint store.
func (c *Coordinator) Store() Store { return c.store }

// InProgress reports whether a failover (including a scheduled delayed one)
// is active for the worker.
func (c *Coordinator) InProgress(workerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[workerID]
}

func (c *Coordinator) acquire(workerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[workerID] {
		return false
	}
	c.active[workerID] = true
	return true
}

func (c *Coordinator) release(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, workerID)
}

// InitiateFailover snapshots workerID and runs the configured strategy. It
// returns ErrFailoverInProgress if a failover for the worker is already
// active.
func (c *Coordinator) InitiateFailover(ctx context.Context, workerID, reason string) (Outcome, error) {
	return c.InitiateFailoverWith(ctx, workerID, reason, c.Config().Strategy)
}

// InitiateFailoverWith is InitiateFailover with an explicit strategy.
func (c *Coordinator) InitiateFailoverWith(ctx context.Context, workerID, reason string, strategy Strategy) (Outcome, error) {
	if !strategy.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if _, ok := c.pool.Worker(workerID); !ok {
		return Outcome{}, fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, workerID)
	}
	if !c.acquire(workerID) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrFailoverInProgress, workerID)
	}

	out := Outcome{
		ID:        uuid.New().String(),
		WorkerID:  workerID,
		Strategy:  strategy,
		Reason:    reason,
		StartedAt: c.now(),
	}

	snap, err := c.Snapshot(ctx, workerID)
	if err != nil {
		c.logger().Warn("pre-failover snapshot not stored", "worker", workerID, "error", err)
	}
	out.Snapshot = &snap

	c.logger().Info("failover started", "worker", workerID, "strategy", strategy, "reason", reason)

	switch strategy {
	case StrategyImmediate:
		c.runImmediate(workerID, &out)
	case StrategyGraceful:
		c.runGraceful(ctx, workerID, &out)
	case StrategyDelayed:
		c.scheduleDelayed(workerID, &out)
		c.finish(out)
		return out, nil
	case StrategyManual:
		out.Status = StatusManual
		out.Message = "worker flagged for operator action"
		c.mu.Lock()
		c.manual[workerID] = out
		c.mu.Unlock()
	}

	c.release(workerID)
	c.finish(out)
	return out, nil
}

func (c *Coordinator) runImmediate(workerID string, out *Outcome) {
	if err := c.pool.SetWorkerAvailable(workerID, false); err != nil {
		c.logger().Warn("could not take worker offline", "worker", workerID, "error", err)
	}

	res := c.ReassignTasks(c.pool.ActiveTasks(workerID), workerID, c.Config().Criteria)
	out.Reassigned = res.Assigned
	out.Failed = res.Failed
	out.Status = reassignStatus(res)
	out.Message = fmt.Sprintf("reassigned %d tasks, %d without a candidate", len(res.Assigned), len(res.Failed))
}

func reassignStatus(res ReassignResult) Status {
	switch {
	case len(res.Failed) == 0:
		return StatusCompleted
	case len(res.Assigned) == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// runGraceful stops new assignments, waits for the worker's tasks to finish
// and moves whatever is left when the timeout expires.
func (c *Coordinator) runGraceful(ctx context.Context, workerID string, out *Outcome) {
	cfg := c.Config()
	if err := c.pool.SetWorkerAvailable(workerID, false); err != nil {
		c.logger().Warn("could not take worker offline", "worker", workerID, "error", err)
	}

	initial := taskIDs(c.pool.ActiveTasks(workerID))
	poll := cfg.DrainPollInterval
	if poll <= 0 {
		poll = DefaultConfig().DrainPollInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, cfg.GracefulShutdownTimeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	remaining := c.pool.ActiveTasks(workerID)
	for len(remaining) > 0 {
		select {
		case <-waitCtx.Done():
		case <-ticker.C:
			remaining = c.pool.ActiveTasks(workerID)
			continue
		}
		break
	}

	left := make(map[string]bool, len(remaining))
	for _, t := range remaining {
		left[t.ID] = true
	}
	for _, id := range initial {
		if !left[id] {
			out.Drained = append(out.Drained, id)
		}
	}

	if len(remaining) == 0 {
		out.Status = StatusCompleted
		out.Message = fmt.Sprintf("all %d tasks drained", len(out.Drained))
		return
	}

	res := c.ReassignTasks(remaining, workerID, cfg.Criteria)
	out.Reassigned = res.Assigned
	out.Failed = res.Failed
	out.Status = StatusPartial
	if len(out.Drained) == 0 && len(res.Assigned) == 0 {
		out.Status = StatusFailed
	}
	out.Message = fmt.Sprintf("drain timed out: %d drained, %d reassigned, %d failed",
		len(out.Drained), len(res.Assigned), len(res.Failed))
}

func (c *Coordinator) scheduleDelayed(workerID string, out *Outcome) {
	cfg := c.Config()
	if err := c.pool.SetWorkerAvailable(workerID, false); err != nil {
		c.logger().Warn("could not take worker offline", "worker", workerID, "error", err)
	}

	c.mu.Lock()
	if c.stopped {
		delete(c.active, workerID)
		c.mu.Unlock()
		out.Status = StatusCancelled
		out.Message = "coordinator stopped"
		return
	}
	ctx, cancel := context.WithCancel(c.bg)
	p := &pendingFailover{cancel: cancel, done: make(chan struct{})}
	c.delayed[workerID] = p
	c.wg.Add(1)
	c.mu.Unlock()

	out.Status = StatusScheduled
	out.Message = fmt.Sprintf("immediate failover in %s", cfg.FailoverDelay)

	reason := out.Reason
	go func() {
		defer c.wg.Done()
		defer close(p.done)

		timer := time.NewTimer(cfg.FailoverDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.delayed[workerID] != p {
			c.mu.Unlock()
			return
		}
		delete(c.delayed, workerID)
		c.mu.Unlock()

		fired := Outcome{
			ID:        uuid.New().String(),
			WorkerID:  workerID,
			Strategy:  StrategyDelayed,
			Reason:    reason,
			StartedAt: c.now(),
		}
		c.runImmediate(workerID, &fired)
		c.finish(fired)
		c.release(workerID)
	}()
}

// CancelDelayedFailover stops a scheduled delayed failover and makes the
// worker available again.
func (c *Coordinator) CancelDelayedFailover(workerID string) error {
	c.mu.Lock()
	p, ok := c.delayed[workerID]
	if ok {
		delete(c.delayed, workerID)
		delete(c.active, workerID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingFailover, workerID)
	}

	p.cancel()
	<-p.done

	if err := c.pool.SetWorkerAvailable(workerID, true); err != nil {
		c.logger().Warn("could not restore worker availability", "worker", workerID, "error", err)
	}
	now := c.now()
	c.finish(Outcome{
		ID:         uuid.New().String(),
		WorkerID:   workerID,
		Strategy:   StrategyDelayed,
		Status:     StatusCancelled,
		Message:    "delayed failover cancelled",
		StartedAt:  now,
		FinishedAt: now,
	})
	return nil
}

// PendingManual returns workers flagged for operator action.
func (c *Coordinator) PendingManual() []Outcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Outcome, 0, len(c.manual))
	for _, o := range c.manual {
		out = append(out, o)
	}
	return out
}

// Acknowledge clears a manual failover flag.
func (c *Coordinator) Acknowledge(workerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.manual[workerID]
	delete(c.manual, workerID)
	return ok
}

// History returns past outcomes, oldest first.
func (c *Coordinator) History() []Outcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Outcome(nil), c.history...)
}

func (c *Coordinator) finish(out Outcome) {
	if out.FinishedAt.IsZero() {
		out.FinishedAt = c.now()
	}

	c.mu.Lock()
	c.history = append(c.history, out)
	if n := c.cfg.HistorySize; n > 0 && len(c.history) > n {
		c.history = c.history[len(c.history)-n:]
	}
	pub := c.publisher
	log := c.log
	c.mu.Unlock()

	metrics.RecordFailover(string(out.Strategy), string(out.Status))
	log.Info("failover finished",
		"worker", out.WorkerID,
		"strategy", out.Strategy,
		"status", out.Status,
		"reassigned", len(out.Reassigned),
		"failed", len(out.Failed))

	if pub == nil {
		return
	}
	reassigned := make([]string, 0, len(out.Reassigned))
	for _, a := range out.Reassigned {
		reassigned = append(reassigned, a.TaskID)
	}
	pub.Publish(events.TopicFailover, events.FailoverEvent{
		ID:         out.ID,
		Worker:     out.WorkerID,
		Strategy:   string(out.Strategy),
		Status:     string(out.Status),
		Reason:     out.Reason,
		Reassigned: reassigned,
		Failed:     out.Failed,
		Timestamp:  out.FinishedAt,
	})
}

// Snapshot captures workerID's current state and stores it.
func (c *Coordinator) Snapshot(ctx context.Context, workerID string) (AgentStateSnapshot, error) {
	w, ok := c.pool.Worker(workerID)
	if !ok {
		return AgentStateSnapshot{}, fmt.Errorf("%w: %s", scheduler.ErrWorkerNotFound, workerID)
	}

	snap := AgentStateSnapshot{
		WorkerID:    workerID,
		Timestamp:   c.now(),
		Status:      "available",
		ActiveTasks: taskIDs(c.pool.ActiveTasks(workerID)),
		Workload:    w.Workload,
		Resources:   c.pool.HeldResources(workerID),
	}
	if !w.Available {
		snap.Status = "unavailable"
	}
	if c.InProgress(workerID) {
		snap.Status = "failing_over"
	}
	for _, t := range c.pool.CompletedTasks(workerID) {
		snap.Completed = append(snap.Completed, TaskResult{TaskID: t.ID, Result: t.Result, CompletedAt: t.CompletedAt})
	}

	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != nil {
		snap.Config = state.WorkerConfig(workerID)
	}

	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("save snapshot for %s: %w", workerID, err)
	}
	return snap, nil
}

// BackupAll snapshots every known worker and returns how many were stored.
func (c *Coordinator) BackupAll(ctx context.Context) int {
	stored := 0
	for _, w := range c.pool.Workers() {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.Snapshot(ctx, w.ID); err != nil {
			c.logger().Warn("state backup failed", "worker", w.ID, "error", err)
			continue
		}
		stored++
	}
	return stored
}

// SaveCheckpoint records progress for a task.
func (c *Coordinator) SaveCheckpoint(ctx context.Context, cp TaskCheckpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = c.now()
	}
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", cp.TaskID, err)
	}
	return nil
}

// ClearCheckpoint drops a task's checkpoint, typically on completion.
func (c *Coordinator) ClearCheckpoint(ctx context.Context, taskID string) error {
	if err := c.store.DeleteCheckpoint(ctx, taskID); err != nil {
		return fmt.Errorf("delete checkpoint for %s: %w", taskID, err)
	}
	return nil
}

// RecoverAgentState restores workerID's configuration from its latest
// snapshot onto target and replays the worker's checkpoints there. An empty
// target restores the worker in place.
func (c *Coordinator) RecoverAgentState(ctx context.Context, workerID, target string) (RecoveredState, error) {
	if target == "" {
		target = workerID
	}
	snap, err := c.store.LatestSnapshot(ctx, workerID)
	if err != nil {
		return RecoveredState{}, fmt.Errorf("recover %s: %w", workerID, err)
	}
	rec := RecoveredState{Snapshot: snap, Target: target}

	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != nil && snap.Config != nil {
		if err := state.RestoreWorkerConfig(ctx, target, snap.Config); err != nil {
			return rec, fmt.Errorf("restore config onto %s: %w", target, err)
		}
	}

	cps, err := c.store.Checkpoints(ctx, workerID)
	if err != nil {
		return rec, fmt.Errorf("load checkpoints for %s: %w", workerID, err)
	}

	var errs []error
	for _, cp := range cps {
		if target != workerID {
			if err := c.pool.AssignTo(cp.TaskID, target); err != nil {
				errs = append(errs, fmt.Errorf("move task %s: %w", cp.TaskID, err))
				continue
			}
			rec.Reassigned = append(rec.Reassigned, cp.TaskID)
		}
		cp.WorkerID = target
		cp.Timestamp = c.now()
		if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
			errs = append(errs, fmt.Errorf("replay checkpoint %s: %w", cp.TaskID, err))
			continue
		}
		rec.Checkpoints = append(rec.Checkpoints, cp)
	}

	c.logger().Info("worker state recovered",
		"worker", workerID,
		"target", target,
		"checkpoints", len(rec.Checkpoints),
		"snapshot_age", c.now().Sub(snap.Timestamp))
	return rec, errors.Join(errs...)
}

// Start runs the periodic state backup until ctx is cancelled or Stop is
// called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("failover coordinator already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.stopped = false
	go c.backupLoop(loopCtx, c.loopDone)
	return nil
}

func (c *Coordinator) backupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		interval := c.Config().StateBackupInterval
		if interval <= 0 {
			interval = DefaultConfig().StateBackupInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.BackupAll(ctx)
		}
	}
}

// Stop ends the backup loop and cancels pending delayed failovers, then
// waits for running ones until ctx is done.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	done := c.loopDone
	c.cancel = nil
	pending := c.delayed
	c.delayed = make(map[string]*pendingFailover)
	for id := range pending {
		delete(c.active, id)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	for _, p := range pending {
		p.cancel()
	}

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		c.bgCancel()
		return fmt.Errorf("abandoned running failovers: %w", ctx.Err())
	}
}

func taskIDs(tasks []*scheduler.Task) []string {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
