package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/supervisor/internal/events"
	"github.com/aristath/supervisor/internal/metrics"
	"github.com/aristath/supervisor/internal/recovery"
)

var (
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrAlreadyRunning = errors.New("health monitor already running")
)

type workerEntry struct {
	mu         sync.Mutex
	m          AgentHealthMetrics
	recovering atomic.Bool
}

func (e *workerEntry) snapshot() AgentHealthMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m
}

// Monitor tracks worker health and runs at most one recovery per worker at a
// time. Different workers recover in parallel.
type Monitor struct {
	mu        sync.RWMutex
	cfg       Config
	workers   map[string]*workerEntry
	actions   RecoveryActions
	prober    Prober
	publisher events.Publisher
	logger    *slog.Logger
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
	last      SystemHealthStatus

	wg              sync.WaitGroup
	active          atomic.Int32
	recoveryCtx     context.Context
	abandonRecovery context.CancelFunc

	now func() time.Time
}

// NewMonitor creates a monitor. actions and prober may be nil; a nil prober
// skips probing during sweeps.
func NewMonitor(cfg Config, actions RecoveryActions, prober Prober) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:             cfg,
		workers:         make(map[string]*workerEntry),
		actions:         actions,
		prober:          prober,
		logger:          slog.Default(),
		recoveryCtx:     ctx,
		abandonRecovery: cancel,
		now:             time.Now,
	}
}

// SetPublisher sets where health events are published.
func (m *Monitor) SetPublisher(p events.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// SetLogger replaces the monitor's logger.
func (m *Monitor) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// SetActions replaces the recovery ladder steps.
func (m *Monitor) SetActions(a RecoveryActions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = a
}

// SetConfig applies new settings. The sweep loop picks up a new interval on
// its next tick.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Config returns the current settings.
func (m *Monitor) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// RegisterWorker starts tracking a worker as healthy. Re-registering keeps
// the existing record.
func (m *Monitor) RegisterWorker(workerID string) {
	m.entry(workerID)
}

// RemoveWorker stops tracking a worker.
func (m *Monitor) RemoveWorker(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
}

func (m *Monitor) entry(workerID string) *workerEntry {
	m.mu.RLock()
	e, ok := m.workers[workerID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.workers[workerID]; ok {
		return e
	}
	e = &workerEntry{m: AgentHealthMetrics{
		WorkerID:        workerID,
		Healthy:         true,
		State:           StateHealthy,
		LastHeartbeat:   m.now(),
		TaskSuccessRate: 1,
	}}
	m.workers[workerID] = e
	return e
}

func (m *Monitor) lookup(workerID string) (*workerEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.workers[workerID]
	return e, ok
}

// Metrics returns a copy of the worker's health record.
func (m *Monitor) Metrics(workerID string) (AgentHealthMetrics, bool) {
	e, ok := m.lookup(workerID)
	if !ok {
		return AgentHealthMetrics{}, false
	}
	return e.snapshot(), true
}

// AllMetrics returns every worker's record sorted by worker ID.
func (m *Monitor) AllMetrics() []AgentHealthMetrics {
	m.mu.RLock()
	entries := make([]*workerEntry, 0, len(m.workers))
	for _, e := range m.workers {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]AgentHealthMetrics, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// IsRecovering reports whether a recovery is running for the worker.
func (m *Monitor) IsRecovering(workerID string) bool {
	e, ok := m.lookup(workerID)
	return ok && e.recovering.Load()
}

// ActiveRecoveries returns how many recoveries are running.
func (m *Monitor) ActiveRecoveries() int {
	return int(m.active.Load())
}

func successRate(m *AgentHealthMetrics) {
	total := m.TasksSucceeded + m.TasksFailed
	if total == 0 {
		m.TaskSuccessRate = 1
		return
	}
	m.TaskSuccessRate = float64(m.TasksSucceeded) / float64(total)
}

// RecordSuccess records a completed task. It ends the failure streak and
// clears the recovery attempt budget. Isolated workers stay isolated.
func (m *Monitor) RecordSuccess(workerID string, responseTime time.Duration) {
	e := m.entry(workerID)

	e.mu.Lock()
	changed := e.m.State != StateHealthy && e.m.State != StateIsolated
	e.m.ConsecutiveFailures = 0
	e.m.RecoveryAttempts = 0
	e.m.TasksSucceeded++
	successRate(&e.m)
	e.m.ResponseTime = responseTime
	e.m.LastHeartbeat = m.now()
	if e.m.State != StateIsolated {
		e.m.State = StateHealthy
		e.m.Healthy = true
		e.m.LastError = ""
	}
	snap := e.m
	e.mu.Unlock()

	if changed {
		m.publishWorker(snap)
	}
}

// RecordHeartbeat records a successful health check. It ends the failure
// streak and returns a degraded worker to healthy. Isolated, escalated and
// recovering workers keep their state. The recovery attempt budget is left
// untouched.
func (m *Monitor) RecordHeartbeat(workerID string, res ProbeResult) {
	e := m.entry(workerID)

	e.mu.Lock()
	e.m.LastHeartbeat = m.now()
	e.m.ResponseTime = res.ResponseTime
	e.m.Resources = res.Resources
	changed := false
	switch e.m.State {
	case StateIsolated, StateEscalated:
	case StateDegraded:
		e.m.State = StateHealthy
		e.m.Healthy = true
		e.m.LastError = ""
		e.m.ConsecutiveFailures = 0
		changed = true
	default:
		e.m.ConsecutiveFailures = 0
	}
	snap := e.m
	e.mu.Unlock()

	if changed {
		m.publishWorker(snap)
	}
}

// ReportFailure records a failure for the worker. When the failure streak
// reaches MaxConsecutiveFailures a recovery is started in the background; it
// reports whether it started one.
func (m *Monitor) ReportFailure(workerID string, err error) bool {
	e := m.entry(workerID)
	cfg := m.Config()

	e.mu.Lock()
	e.m.ConsecutiveFailures++
	e.m.TasksFailed++
	successRate(&e.m)
	if err != nil {
		e.m.LastError = err.Error()
	}
	if e.m.State == StateHealthy {
		e.m.State = StateDegraded
	}
	e.m.Healthy = false
	streak := e.m.ConsecutiveFailures
	snap := e.m
	e.mu.Unlock()

	metrics.RecordWorkerFailure(workerID)
	m.publishWorker(snap)

	if !cfg.Enabled || streak != cfg.MaxConsecutiveFailures {
		return false
	}
	if !e.recovering.CompareAndSwap(false, true) {
		return false
	}
	if !m.startRecovery(workerID, e) {
		e.recovering.Store(false)
		return false
	}
	return true
}

func (m *Monitor) startRecovery(workerID string, e *workerEntry) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return false
	}

	ctx := m.recoveryCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer e.recovering.Store(false)
		m.runLadder(ctx, workerID, e)
	}()
	return true
}

// ForceAgentRecovery runs the recovery ladder now and waits for it. If a
// recovery is already running for the worker it returns immediately with
// action already_in_progress and changes nothing.
func (m *Monitor) ForceAgentRecovery(ctx context.Context, workerID string) recovery.Result {
	e, ok := m.lookup(workerID)
	if !ok {
		return recovery.Result{Action: recovery.ActionEscalated, Message: fmt.Sprintf("%v: %s", ErrUnknownWorker, workerID)}
	}
	if !e.recovering.CompareAndSwap(false, true) {
		return recovery.Result{
			Success: true,
			Action:  recovery.ActionAlreadyInProgress,
			Message: "recovery already in progress for " + workerID,
		}
	}
	defer e.recovering.Store(false)
	return m.runLadder(ctx, workerID, e)
}

// Exclusive runs fn while holding the worker's recovery slot, so fn never
// overlaps a ladder run. It returns recovery.ErrRecoveryInProgress without
// calling fn when the worker is already being recovered.
func (m *Monitor) Exclusive(ctx context.Context, workerID string, fn func(context.Context) error) error {
	e, ok := m.lookup(workerID)
	if !ok {
		return fn(ctx)
	}
	if !e.recovering.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", workerID, recovery.ErrRecoveryInProgress)
	}
	defer e.recovering.Store(false)
	return fn(ctx)
}

type ladderStep struct {
	action string
	run    func(ctx context.Context, workerID string) error
	apply  func(*AgentHealthMetrics)
}

// runLadder requires e.recovering to be held by the caller.
func (m *Monitor) runLadder(ctx context.Context, workerID string, e *workerEntry) recovery.Result {
	n := m.active.Add(1)
	metrics.UpdateActiveRecoveries(int(n))
	defer func() {
		metrics.UpdateActiveRecoveries(int(m.active.Add(-1)))
	}()

	m.mu.RLock()
	cfg := m.cfg
	actions := m.actions
	logger := m.logger
	m.mu.RUnlock()

	e.mu.Lock()
	if e.m.RecoveryAttempts >= cfg.MaxRecoveryAttempts {
		e.m.State = StateEscalated
		e.m.Healthy = false
		attempts := e.m.RecoveryAttempts
		snap := e.m
		e.mu.Unlock()

		res := recovery.Result{
			Action:  recovery.ActionManualIntervention,
			Message: fmt.Sprintf("worker %s exhausted %d recovery attempts", workerID, attempts),
		}
		m.publishWorker(snap)
		m.finishRecovery(workerID, attempts, res)
		return res
	}
	e.m.RecoveryAttempts++
	attempt := e.m.RecoveryAttempts
	e.m.State = StateRecovering
	e.m.LastRecovery = m.now()
	snap := e.m
	e.mu.Unlock()

	m.publishWorker(snap)
	logger.Info("starting worker recovery", "worker", workerID, "attempt", attempt)

	var steps []ladderStep
	if actions != nil {
		steps = []ladderStep{
			{recovery.ActionRestartWorker, actions.RestartWorker, func(h *AgentHealthMetrics) {
				h.State = StateHealthy
				h.Healthy = true
			}},
			{recovery.ActionReassign, actions.ReassignWorkerTasks, func(h *AgentHealthMetrics) {
				h.State = StateHealthy
				h.Healthy = true
			}},
			{recovery.ActionIsolate, actions.IsolateWorker, func(h *AgentHealthMetrics) {
				h.State = StateIsolated
				h.Healthy = false
			}},
		}
	}

	var failures []string
	for _, step := range steps {
		err := m.runStep(ctx, cfg.RecoveryTimeout, step, workerID)
		if err != nil {
			logger.Warn("recovery step failed", "worker", workerID, "action", step.action, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", step.action, err))
			continue
		}

		e.mu.Lock()
		step.apply(&e.m)
		e.m.ConsecutiveFailures = 0
		snap := e.m
		e.mu.Unlock()

		res := recovery.Result{Success: true, Action: step.action, Message: fmt.Sprintf("worker %s recovered via %s", workerID, step.action)}
		m.publishWorker(snap)
		m.finishRecovery(workerID, attempt, res)
		return res
	}

	e.mu.Lock()
	e.m.State = StateEscalated
	e.m.Healthy = false
	snap = e.m
	e.mu.Unlock()

	msg := "every recovery step failed"
	if len(failures) > 0 {
		msg = fmt.Sprintf("%s (%v)", msg, failures)
	}
	res := recovery.Result{Action: recovery.ActionManualIntervention, Message: msg}
	m.publishWorker(snap)
	m.finishRecovery(workerID, attempt, res)
	return res
}

func (m *Monitor) runStep(ctx context.Context, timeout time.Duration, step ladderStep, workerID string) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", step.action, r)
		}
	}()
	return step.run(ctx, workerID)
}

func (m *Monitor) finishRecovery(workerID string, attempt int, res recovery.Result) {
	metrics.RecordWorkerRecovery(res.Action, res.Success)

	m.mu.RLock()
	pub := m.publisher
	logger := m.logger
	m.mu.RUnlock()

	if res.Success {
		logger.Info("worker recovered", "worker", workerID, "action", res.Action, "attempt", attempt)
	} else {
		logger.Error("worker recovery needs manual intervention", "worker", workerID, "attempt", attempt, "reason", res.Message)
	}

	if pub != nil {
		pub.Publish(events.TopicHealth, events.WorkerRecoveryEvent{
			Worker:    workerID,
			Action:    res.Action,
			Success:   res.Success,
			Message:   res.Message,
			Attempt:   attempt,
			Timestamp: m.now(),
		})
	}
}

func (m *Monitor) publishWorker(h AgentHealthMetrics) {
	m.mu.RLock()
	pub := m.publisher
	m.mu.RUnlock()
	if pub == nil {
		return
	}
	pub.Publish(events.TopicHealth, events.WorkerHealthEvent{
		Worker:              h.WorkerID,
		State:               string(h.State),
		Healthy:             h.Healthy,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastError:           h.LastError,
		Timestamp:           m.now(),
	})
}

// ResetWorker clears a worker's failure streak and recovery budget and marks
// it healthy. Used after manual intervention.
func (m *Monitor) ResetWorker(workerID string) error {
	e, ok := m.lookup(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}

	e.mu.Lock()
	e.m.ConsecutiveFailures = 0
	e.m.RecoveryAttempts = 0
	e.m.State = StateHealthy
	e.m.Healthy = true
	e.m.LastError = ""
	e.m.LastHeartbeat = m.now()
	snap := e.m
	e.mu.Unlock()

	m.publishWorker(snap)
	return nil
}

// CheckHealth probes every worker that is not isolated, escalated or
// recovering, then computes and publishes the system status. Probe failures
// count as worker failures.
func (m *Monitor) CheckHealth(ctx context.Context) SystemHealthStatus {
	m.mu.RLock()
	cfg := m.cfg
	prober := m.prober
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	if prober != nil {
		var g errgroup.Group
		for _, id := range ids {
			e, ok := m.lookup(id)
			if !ok || e.recovering.Load() {
				continue
			}
			if st := e.snapshot().State; st == StateIsolated || st == StateEscalated {
				continue
			}
			g.Go(func() error {
				res, err := m.probe(ctx, prober, cfg.ProbeTimeout, id)
				if err != nil {
					m.ReportFailure(id, fmt.Errorf("health probe: %w", err))
					return nil
				}
				m.RecordHeartbeat(id, res)
				return nil
			})
		}
		// Probe goroutines never return errors.
		_ = g.Wait()
	}

	status := m.Status()

	m.mu.Lock()
	m.last = status
	pub := m.publisher
	logger := m.logger
	m.mu.Unlock()

	metrics.UpdateSystemHealth(status.HealthPercentage, status.HealthyWorkers)

	degraded := status.HealthPercentage < cfg.SystemHealthThreshold
	if degraded {
		logger.Warn("system health below threshold",
			"health", status.HealthPercentage,
			"threshold", cfg.SystemHealthThreshold,
			"healthy", status.HealthyWorkers,
			"total", status.TotalWorkers)
	}
	if pub != nil {
		ev := events.SystemHealthEvent{
			HealthPercentage: status.HealthPercentage,
			HealthyWorkers:   status.HealthyWorkers,
			TotalWorkers:     status.TotalWorkers,
			Degraded:         degraded,
			Timestamp:        status.CheckedAt,
		}
		pub.Publish(events.TopicHealth, ev)
		if degraded {
			pub.Publish(events.TopicSystem, ev)
		}
	}
	return status
}

func (m *Monitor) probe(ctx context.Context, p Prober, timeout time.Duration, workerID string) (res ProbeResult, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p.Probe(ctx, workerID)
}

// Status computes the current system status without probing.
func (m *Monitor) Status() SystemHealthStatus {
	cfg := m.Config()
	now := m.now()
	all := m.AllMetrics()

	status := SystemHealthStatus{
		TotalWorkers:     len(all),
		ActiveRecoveries: m.ActiveRecoveries(),
		CheckedAt:        now,
	}
	for _, h := range all {
		if h.Healthy {
			status.HealthyWorkers++
		} else {
			status.UnhealthyWorkers++
		}
		switch h.State {
		case StateIsolated:
			status.CriticalIssues = append(status.CriticalIssues, fmt.Sprintf("worker %s is isolated", h.WorkerID))
		case StateEscalated:
			status.CriticalIssues = append(status.CriticalIssues, fmt.Sprintf("worker %s needs manual intervention", h.WorkerID))
		case StateDegraded:
			status.Warnings = append(status.Warnings, fmt.Sprintf("worker %s is degraded (%d consecutive failures)", h.WorkerID, h.ConsecutiveFailures))
		case StateRecovering:
			status.Warnings = append(status.Warnings, fmt.Sprintf("worker %s is recovering", h.WorkerID))
		}
		if cfg.HeartbeatTimeout > 0 && !h.LastHeartbeat.IsZero() && now.Sub(h.LastHeartbeat) > cfg.HeartbeatTimeout {
			status.Warnings = append(status.Warnings, fmt.Sprintf("worker %s missed heartbeats since %s", h.WorkerID, h.LastHeartbeat.Format(time.RFC3339)))
		}
		if cfg.SlowResponseThreshold > 0 && h.ResponseTime > cfg.SlowResponseThreshold {
			status.Warnings = append(status.Warnings, fmt.Sprintf("worker %s is slow (%s)", h.WorkerID, h.ResponseTime))
		}
	}

	status.HealthPercentage = 100
	if status.TotalWorkers > 0 {
		status.HealthPercentage = float64(status.HealthyWorkers) / float64(status.TotalWorkers) * 100
	}
	return status
}

// LastStatus returns the status computed by the most recent sweep.
func (m *Monitor) LastStatus() SystemHealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Start runs the periodic sweep until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.stopped = false
	if m.recoveryCtx.Err() != nil {
		// A timed-out Stop cancelled background recoveries.
		m.recoveryCtx, m.abandonRecovery = context.WithCancel(context.Background())
	}

	go m.loop(loopCtx, m.done)
	return nil
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		cfg := m.Config()
		interval := cfg.CheckInterval
		if interval <= 0 {
			interval = DefaultConfig().CheckInterval
		}
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if m.Config().Enabled {
				m.CheckHealth(ctx)
			}
		}
	}
}

// Stop ends the sweep loop and waits for running recoveries until ctx is
// done. Recoveries still running at that point are cancelled and ctx.Err()
// is returned.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		m.mu.RLock()
		abandon := m.abandonRecovery
		m.mu.RUnlock()
		abandon()
		return fmt.Errorf("abandoned %d worker recoveries: %w", m.ActiveRecoveries(), ctx.Err())
	}
}
