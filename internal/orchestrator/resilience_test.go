package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/scheduler"
	"github.com/aristath/supervisor/internal/worker"
)

// scriptedWorker replays a fixed list of outcomes, one per Execute call.
type scriptedWorker struct {
	id        string
	mu        sync.Mutex
	responses []any // Each entry is either a string output or an error
	callCount int
}

var _ worker.Worker = (*scriptedWorker)(nil)

func (w *scriptedWorker) ID() string { return w.id }

func (w *scriptedWorker) Execute(ctx context.Context, task *scheduler.Task) (worker.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.callCount >= len(w.responses) {
		return worker.Result{}, fmt.Errorf("unexpected call %d (only %d responses configured)", w.callCount+1, len(w.responses))
	}

	resp := w.responses[w.callCount]
	w.callCount++

	switch v := resp.(type) {
	case string:
		return worker.Result{Output: v}, nil
	case error:
		return worker.Result{}, v
	default:
		return worker.Result{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (w *scriptedWorker) HealthProbe(context.Context) error { return nil }
func (w *scriptedWorker) Restart(context.Context) error     { return nil }
func (w *scriptedWorker) Shutdown(context.Context) error    { return nil }

func (w *scriptedWorker) CallCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.callCount
}

func failing(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = fmt.Errorf("persistent error %d", i+1)
	}
	return out
}

func fastRetry(maxRetries uint64) RetryConfig {
	return RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxRetries:          maxRetries,
	}
}

func unrecoverable() error {
	e := faults.New(faults.KindSystem, faults.SeverityCritical, "disk", "disk gone")
	e.Recoverable = false
	return e
}

var testTask = &scheduler.Task{ID: "t1"}

// TestExecuteWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestExecuteWithRetry_TransientThenSuccess(t *testing.T) {
	w := &scriptedWorker{
		id: "w1",
		responses: []any{
			fmt.Errorf("transient error 1"),
			fmt.Errorf("transient error 2"),
			"success",
		},
	}

	cb := NewCircuitBreakerRegistry(DefaultBreakerConfig()).Get("w1")
	res, err := executeWithRetry(context.Background(), w, testTask, cb, fastRetry(2))
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if res.Output != "success" {
		t.Errorf("expected output 'success', got %q", res.Output)
	}
	if w.CallCount() != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", w.CallCount())
	}
}

// TestExecuteWithRetry_RetryBudget verifies MaxRetries bounds the attempts.
func TestExecuteWithRetry_RetryBudget(t *testing.T) {
	w := &scriptedWorker{id: "w1", responses: failing(10)}

	cb := NewCircuitBreakerRegistry(DefaultBreakerConfig()).Get("w1")
	_, err := executeWithRetry(context.Background(), w, testTask, cb, fastRetry(1))
	if err == nil {
		t.Fatal("expected error")
	}
	if w.CallCount() != 2 {
		t.Errorf("expected 2 calls, got %d", w.CallCount())
	}
}

// TestExecuteWithRetry_NonRetryable verifies validation and shutdown errors
// are not retried.
func TestExecuteWithRetry_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", faults.Validation("bad_input", "missing field")},
		{"worker closed", fmt.Errorf("worker w1: %w", worker.ErrClosed)},
		{"not recoverable", unrecoverable()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &scriptedWorker{id: "w1", responses: []any{tt.err, "unused"}}
			cb := NewCircuitBreakerRegistry(DefaultBreakerConfig()).Get("w1")

			_, err := executeWithRetry(context.Background(), w, testTask, cb, fastRetry(3))
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if w.CallCount() != 1 {
				t.Errorf("expected 1 call, got %d", w.CallCount())
			}
		})
	}
}

// TestExecuteWithRetry_CircuitOpen verifies the breaker opens after
// consecutive failures and is reported as a communication fault.
func TestExecuteWithRetry_CircuitOpen(t *testing.T) {
	w := &scriptedWorker{id: "w1", responses: failing(20)}

	registry := NewCircuitBreakerRegistry(BreakerConfig{ConsecutiveFailures: 3, Timeout: time.Minute})
	cb := registry.Get("w1")

	// Three attempts trip the breaker.
	if _, err := executeWithRetry(context.Background(), w, testTask, cb, fastRetry(2)); err == nil {
		t.Fatal("expected error")
	}
	if registry.State("w1") != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", registry.State("w1"))
	}

	calls := w.CallCount()
	_, err := executeWithRetry(context.Background(), w, testTask, cb, fastRetry(2))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	var fe *faults.Error
	if !errors.As(err, &fe) || fe.Kind != faults.KindCommunication || fe.Category != "circuit_open" {
		t.Errorf("expected communication/circuit_open fault, got %#v", err)
	}
	if w.CallCount() != calls {
		t.Errorf("open breaker must not reach the worker, got %d extra calls", w.CallCount()-calls)
	}

	registry.Reset("w1")
	if registry.State("w1") != gobreaker.StateClosed {
		t.Errorf("expected closed breaker after reset, got %v", registry.State("w1"))
	}
}

// TestExecuteWithRetry_ContextCancelled_StopsRetry verifies context cancellation stops retries immediately.
func TestExecuteWithRetry_ContextCancelled_StopsRetry(t *testing.T) {
	w := &scriptedWorker{id: "w1", responses: failing(100)}

	cb := NewCircuitBreakerRegistry(BreakerConfig{ConsecutiveFailures: 1000, Timeout: time.Minute}).Get("w1")
	retryCfg := RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      10 * time.Second, // Long timeout - should be interrupted by context
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxRetries:          100,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := executeWithRetry(ctx, w, testTask, cb, retryCfg)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("executeWithRetry took %v, expected < 500ms", elapsed)
	}
}

// TestCircuitBreakerRegistry_PerWorker verifies circuit breakers are per worker.
func TestCircuitBreakerRegistry_PerWorker(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultBreakerConfig())

	cb1a := registry.Get("w1")
	cb1b := registry.Get("w1")
	cb2 := registry.Get("w2")

	if cb1a != cb1b {
		t.Error("expected same circuit breaker instance for 'w1'")
	}
	if cb1a == cb2 {
		t.Error("expected different circuit breaker instances for 'w1' and 'w2'")
	}
	if cb1a.Name() != "w1" {
		t.Errorf("expected circuit breaker name 'w1', got %q", cb1a.Name())
	}
	if registry.State("unknown") != gobreaker.StateClosed {
		t.Error("expected unknown worker to report a closed breaker")
	}
}

// TestCircuitBreaker_CancellationNotCounted verifies cancellation and
// validation errors don't count as worker failures.
func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	registry := NewCircuitBreakerRegistry(BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute})
	cb := registry.Get("w1")

	w := &scriptedWorker{id: "w1", responses: []any{
		context.Canceled,
		faults.Validation("bad_input", "nope"),
		context.Canceled,
		faults.Validation("bad_input", "nope"),
	}}

	for i := 0; i < 4; i++ {
		if _, err := executeWithRetry(context.Background(), w, testTask, cb, fastRetry(0)); err == nil {
			t.Errorf("call %d: expected error, got success", i+1)
		}
	}

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed, got state: %v", state)
	}
}
