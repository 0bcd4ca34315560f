package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/events"
	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/metrics"
)

// Config controls the manager.
type Config struct {
	Enabled     bool // Auto-recovery on/off
	MaxAttempts int  // Per error key before escalation
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MaxAttempts: 3,
	}
}

type attemptKey struct {
	kind     faults.Kind
	category string
	worker   string
	task     string
}

// Manager classifies errors, runs the strategy chain and keeps per-error
// attempt counts. Every attempt is logged, counted and published.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	classifier *faults.Classifier
	chain      *Chain
	log        *errlog.Log
	publisher  events.Publisher
	logger     *slog.Logger
	attempts   map[attemptKey]int
}

// NewManager wires a classifier, chain and log together. Nil arguments get
// defaults: a classifier with the default patterns, an empty chain and a
// default-sized log.
func NewManager(classifier *faults.Classifier, chain *Chain, log *errlog.Log, cfg Config) *Manager {
	if classifier == nil {
		classifier = faults.NewClassifier()
	}
	if chain == nil {
		chain = NewChain(NewFallbackStrategy())
	}
	if log == nil {
		log = errlog.New(errlog.DefaultConfig())
	}
	return &Manager{
		cfg:        cfg,
		classifier: classifier,
		chain:      chain,
		log:        log,
		logger:     slog.Default(),
		attempts:   make(map[attemptKey]int),
	}
}

// SetPublisher sets where recovery events are published.
func (m *Manager) SetPublisher(p events.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// SetConfig applies new settings to subsequent errors.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Config returns the current settings.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Classifier returns the classifier in use.
func (m *Manager) Classifier() *faults.Classifier { return m.classifier }

// Chain returns the strategy chain in use.
func (m *Manager) Chain() *Chain { return m.chain }

// Log returns the recovery log.
func (m *Manager) Log() *errlog.Log { return m.log }

// HandleError classifies err and attempts recovery. It never panics.
func (m *Manager) HandleError(ctx context.Context, err error, fctx faults.Context) Result {
	cls := m.classifier.Classify(err, fctx)
	key := attemptKey{kind: cls.Kind, category: cls.Category, worker: fctx.WorkerID, task: fctx.TaskID}

	m.mu.Lock()
	cfg := m.cfg
	var attempt int
	if cfg.Enabled && cls.Recoverable {
		m.attempts[key]++
		attempt = m.attempts[key]
	}
	m.mu.Unlock()

	var res Result
	switch {
	case !cfg.Enabled:
		res = Result{Action: ActionEscalated, Message: "auto-recovery is disabled"}
	case !cls.Recoverable:
		res = Result{Action: ActionEscalated, Message: fmt.Sprintf("%s error is not recoverable", cls.Kind)}
	case attempt > cfg.MaxAttempts:
		res = Result{Action: ActionEscalated, Message: fmt.Sprintf("max recovery attempts (%d) exceeded", cfg.MaxAttempts)}
	default:
		res = m.chain.Execute(ctx, &Failure{Err: err, Classification: cls, Context: fctx, Attempt: attempt})
		if res.Success {
			m.mu.Lock()
			delete(m.attempts, key)
			m.mu.Unlock()
		}
	}

	m.record(err, cls, fctx, attempt, res)
	return res
}

func (m *Manager) record(err error, cls faults.Classification, fctx faults.Context, attempt int, res Result) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	entry := m.log.Append(errlog.Entry{
		Kind:            cls.Kind,
		Severity:        cls.Severity,
		Category:        cls.Category,
		Confidence:      cls.Confidence,
		Message:         msg,
		WorkerID:        fctx.WorkerID,
		TaskID:          fctx.TaskID,
		Operation:       fctx.Operation,
		Strategy:        res.Strategy,
		Action:          res.Action,
		Success:         res.Success,
		Attempt:         attempt,
		RecoveryMessage: res.Message,
	})

	metrics.RecordRecoveryAttempt(string(cls.Kind), res.Action, res.Success)

	m.mu.Lock()
	pub := m.publisher
	logger := m.logger
	m.mu.Unlock()

	logger.Info("recovery attempt",
		"kind", cls.Kind,
		"severity", cls.Severity,
		"category", cls.Category,
		"worker", fctx.WorkerID,
		"task", fctx.TaskID,
		"action", res.Action,
		"success", res.Success,
		"attempt", attempt)

	if pub != nil {
		pub.Publish(events.TopicRecovery, events.RecoveryAttemptEvent{
			Worker:    fctx.WorkerID,
			Task:      fctx.TaskID,
			Kind:      string(cls.Kind),
			Severity:  string(cls.Severity),
			Category:  cls.Category,
			Strategy:  res.Strategy,
			Action:    res.Action,
			Success:   res.Success,
			Message:   res.Message,
			Attempt:   attempt,
			Timestamp: entry.Timestamp,
		})
	}
}

// Attempts returns the current attempt count for the error err would
// classify to in fctx.
func (m *Manager) Attempts(err error, fctx faults.Context) int {
	cls := m.classifier.Classify(err, fctx)
	key := attemptKey{kind: cls.Kind, category: cls.Category, worker: fctx.WorkerID, task: fctx.TaskID}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[key]
}

// ResetWorker clears attempt counts recorded against workerID.
func (m *Manager) ResetWorker(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.attempts {
		if k.worker == workerID {
			delete(m.attempts, k)
		}
	}
}

// ResetAll clears every attempt count.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = make(map[attemptKey]int)
}
