package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/scheduler"
	"github.com/aristath/supervisor/internal/worker"
)

// RetryConfig configures exponential backoff around a single task execution.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxRetries          uint64        // Retries after the first attempt (default 2)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxRetries:          2,
	}
}

// BreakerConfig configures the per-worker circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Failures that open the breaker (default 5)
	Timeout             time.Duration // Time spent open before probing again (default 30s)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
	}
}

// CircuitBreakerRegistry manages per-worker circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig) *CircuitBreakerRegistry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   slog.Default(),
	}
}

// SetLogger replaces the logger used for breaker state changes.
func (r *CircuitBreakerRegistry) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = l
}

// SetConfig applies cfg to breakers created from now on.
func (r *CircuitBreakerRegistry) SetConfig(cfg BreakerConfig) {
	if cfg.ConsecutiveFailures == 0 || cfg.Timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Get returns the circuit breaker for the given worker.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(workerID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerID]; ok {
		return cb
	}

	logger := r.logger
	trip := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerID,
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "worker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and bad input say nothing about the worker.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			var fe *faults.Error
			if errors.As(err, &fe) && fe.Kind == faults.KindValidation {
				return true
			}
			return false
		},
	})

	r.breakers[workerID] = cb
	return cb
}

// State returns the breaker state for workerID. Workers without a breaker
// are reported closed.
func (r *CircuitBreakerRegistry) State(workerID string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[workerID]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Reset discards workerID's breaker so the next call starts closed.
func (r *CircuitBreakerRegistry) Reset(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, workerID)
}

// executeWithRetry runs task on w with exponential backoff retry and circuit
// breaker protection. An open breaker is reported as a communication fault.
func executeWithRetry(ctx context.Context, w worker.Worker, task *scheduler.Task, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (worker.Result, error) {
	var res worker.Result

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return w.Execute(ctx, task)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(faults.Wrap(err, faults.KindCommunication, faults.SeverityHigh, "circuit_open").
					WithWorker(w.ID()).WithTask(task.ID))
			}
			if r, ok := out.(worker.Result); ok {
				res = r
			}
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		res = out.(worker.Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retryCfg.MaxRetries), ctx))
	return res, err
}

// retryable reports whether an immediate retry on the same worker can help.
func retryable(err error) bool {
	if errors.Is(err, worker.ErrClosed) {
		return false
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.Recoverable && fe.Kind != faults.KindValidation
	}
	return true
}
