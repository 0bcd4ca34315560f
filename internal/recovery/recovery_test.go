package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/events"
	"github.com/aristath/supervisor/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStrategy struct {
	name     string
	priority int
	handles  func(*Failure) bool
	result   Result
	err      error
	panicMsg string
	calls    int
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Priority() int { return s.priority }
func (s *stubStrategy) CanHandle(f *Failure) bool {
	if s.handles == nil {
		return true
	}
	return s.handles(f)
}
func (s *stubStrategy) Recover(context.Context, *Failure) (Result, error) {
	s.calls++
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.result, s.err
}

// recordingActions records every side effect and fails the ones listed in fail.
type recordingActions struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (a *recordingActions) do(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
	return a.fail[name]
}

func (a *recordingActions) RestartWorker(context.Context, string) error {
	return a.do("restart")
}

func (a *recordingActions) ResetWorkerState(context.Context, string) error {
	return a.do("reset")
}

func (a *recordingActions) ReassignTask(context.Context, string) error {
	return a.do("reassign")
}

func (a *recordingActions) CancelTask(context.Context, string) error {
	return a.do("cancel")
}

func (a *recordingActions) Reconnect(context.Context, string) error {
	return a.do("reconnect")
}

func (a *recordingActions) ReleaseLocks(context.Context, string, string) error {
	return a.do("release")
}

func (a *recordingActions) ResetSubsystem(context.Context, string) error {
	return a.do("subsystem")
}

func TestChainHighestPriorityWins(t *testing.T) {
	low := &stubStrategy{name: "low", priority: 1, result: Result{Success: true, Action: "low"}}
	mid := &stubStrategy{name: "mid", priority: 90, result: Result{Success: true, Action: "mid"}}
	high := &stubStrategy{name: "high", priority: 100, result: Result{Success: true, Action: "high"}}

	// Registration order must not matter.
	c := NewChain(low, high, mid)
	assert.Equal(t, []string{"high", "mid", "low"}, c.Strategies())

	res := c.Execute(context.Background(), &Failure{})
	assert.Equal(t, "high", res.Action)
	assert.Equal(t, "high", res.Strategy)
	assert.Equal(t, 1, high.calls)
	assert.Zero(t, mid.calls)
	assert.Zero(t, low.calls)

	require.True(t, c.Remove("high"))
	assert.Equal(t, "mid", c.Execute(context.Background(), &Failure{}).Action)
}

func TestChainSkipsStrategiesThatCannotHandle(t *testing.T) {
	picky := &stubStrategy{name: "picky", priority: 100, handles: func(*Failure) bool { return false }}
	catchAll := &stubStrategy{name: "any", priority: 1, result: Result{Success: true, Action: ActionContinue}}
	c := NewChain(picky, catchAll)

	res := c.Execute(context.Background(), &Failure{})
	assert.Equal(t, "any", res.Strategy)
	assert.Zero(t, picky.calls)
}

func TestChainRegisterReplacesByName(t *testing.T) {
	c := NewChain(&stubStrategy{name: "s", priority: 10, result: Result{Action: "old"}})
	c.Register(&stubStrategy{name: "s", priority: 5, result: Result{Action: "new"}})

	assert.Equal(t, []string{"s"}, c.Strategies())
	assert.Equal(t, "new", c.Execute(context.Background(), &Failure{}).Action)
}

func TestChainPanicsAndErrorsBecomeFailedResults(t *testing.T) {
	t.Run("panic in Recover", func(t *testing.T) {
		c := NewChain(&stubStrategy{name: "boom", priority: 1, panicMsg: "kaboom"})
		res := c.Execute(context.Background(), &Failure{})
		assert.False(t, res.Success)
		assert.Equal(t, ActionEscalated, res.Action)
		assert.Contains(t, res.Message, "kaboom")
	})

	t.Run("panic in CanHandle", func(t *testing.T) {
		bad := &stubStrategy{name: "bad", priority: 10, handles: func(*Failure) bool { panic("nope") }}
		good := &stubStrategy{name: "good", priority: 1, result: Result{Success: true, Action: "ok"}}
		res := NewChain(bad, good).Execute(context.Background(), &Failure{})
		assert.Equal(t, "good", res.Strategy)
	})

	t.Run("error", func(t *testing.T) {
		c := NewChain(&stubStrategy{name: "err", priority: 1, result: Result{Success: true, Action: ActionRetry}, err: errors.New("disk gone")})
		res := c.Execute(context.Background(), &Failure{})
		assert.False(t, res.Success)
		assert.Equal(t, ActionRetry, res.Action)
		assert.Equal(t, "disk gone", res.Message)
	})

	t.Run("empty chain", func(t *testing.T) {
		res := NewChain().Execute(context.Background(), &Failure{})
		assert.False(t, res.Success)
		assert.Equal(t, ActionEscalated, res.Action)
	})
}

func TestBuiltinStrategiesBranchOnSeverity(t *testing.T) {
	policy := RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	tests := []struct {
		name     string
		kind     faults.Kind
		severity faults.Severity
		action   string
		call     string
	}{
		{"agent low", faults.KindAgent, faults.SeverityLow, ActionRetry, ""},
		{"agent medium", faults.KindAgent, faults.SeverityMedium, ActionResetState, "reset"},
		{"agent high", faults.KindAgent, faults.SeverityHigh, ActionRestartWorker, "restart"},
		{"task low", faults.KindTask, faults.SeverityLow, ActionRetry, ""},
		{"task medium", faults.KindTask, faults.SeverityMedium, ActionReassign, "reassign"},
		{"task critical", faults.KindTask, faults.SeverityCritical, ActionCancelTask, "cancel"},
		{"communication low", faults.KindCommunication, faults.SeverityLow, ActionRetry, ""},
		{"communication high", faults.KindCommunication, faults.SeverityHigh, ActionReconnect, "reconnect"},
		{"file low", faults.KindFile, faults.SeverityLow, ActionContinue, ""},
		{"file medium", faults.KindFile, faults.SeverityMedium, ActionReleaseLock, "release"},
		{"file critical", faults.KindFile, faults.SeverityCritical, ActionResetSubsystem, "subsystem"},
		{"system low", faults.KindSystem, faults.SeverityLow, ActionContinue, ""},
		{"system medium", faults.KindSystem, faults.SeverityMedium, ActionRetry, ""},
		{"system critical", faults.KindSystem, faults.SeverityCritical, ActionResetSubsystem, "subsystem"},
		{"validation", faults.KindValidation, faults.SeverityMedium, ActionManualIntervention, ""},
		{"unknown", faults.KindUnknown, faults.SeverityHigh, ActionManualIntervention, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := &recordingActions{}
			c := NewChain(BuiltinStrategies(actions, policy)...)

			res := c.Execute(context.Background(), &Failure{
				Err:            errors.New("x"),
				Classification: faults.Classification{Kind: tt.kind, Severity: tt.severity},
				Context:        faults.Context{WorkerID: "w1", TaskID: "t1"},
				Attempt:        1,
			})

			assert.Equal(t, tt.action, res.Action)
			if tt.call == "" {
				assert.Empty(t, actions.calls)
			} else {
				assert.Equal(t, []string{tt.call}, actions.calls)
			}
			if tt.action == ActionRetry {
				assert.Equal(t, 10*time.Millisecond, res.RetryAfter)
			}
		})
	}
}

func TestCommunicationStrategyRestartsAfterFailedReconnect(t *testing.T) {
	actions := &recordingActions{fail: map[string]error{"reconnect": errors.New("refused")}}
	s := NewCommunicationStrategy(actions, DefaultRetryPolicy())

	res, err := s.Recover(context.Background(), &Failure{
		Classification: faults.Classification{Kind: faults.KindCommunication, Severity: faults.SeverityCritical},
		Context:        faults.Context{WorkerID: "w1"},
		Attempt:        1,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ActionRestartWorker, res.Action)
	assert.Equal(t, []string{"reconnect", "restart"}, actions.calls)
}

func TestRestartDefersToRunningRecovery(t *testing.T) {
	busy := fmt.Errorf("w1: %w", ErrRecoveryInProgress)
	strategies := []Strategy{
		NewAgentStrategy(&recordingActions{fail: map[string]error{"restart": busy}}, DefaultRetryPolicy()),
		NewCommunicationStrategy(&recordingActions{fail: map[string]error{"reconnect": errors.New("refused"), "restart": busy}}, DefaultRetryPolicy()),
	}
	kinds := []faults.Kind{faults.KindAgent, faults.KindCommunication}

	for i, s := range strategies {
		res, err := s.Recover(context.Background(), &Failure{
			Classification: faults.Classification{Kind: kinds[i], Severity: faults.SeverityCritical},
			Context:        faults.Context{WorkerID: "w1"},
			Attempt:        1,
		})
		require.NoError(t, err, s.Name())
		assert.True(t, res.Success, s.Name())
		assert.Equal(t, ActionAlreadyInProgress, res.Action, s.Name())
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: 500 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(4))
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
}

func newTestManager(t *testing.T, cfg Config, strategies ...Strategy) (*Manager, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m := NewManager(faults.NewClassifier(), NewChain(strategies...), errlog.New(errlog.Config{MaxSize: 100}), cfg)
	m.SetPublisher(bus)
	return m, bus
}

func TestManagerEscalatesAfterMaxAttempts(t *testing.T) {
	failing := &stubStrategy{name: "agent", priority: 100, result: Result{Action: ActionRestartWorker}}
	m, bus := newTestManager(t, Config{Enabled: true, MaxAttempts: 2}, failing)

	var published []events.RecoveryAttemptEvent
	bus.Subscribe(events.TopicRecovery, func(e events.Event) {
		published = append(published, e.(events.RecoveryAttemptEvent))
	})

	err := faults.New(faults.KindAgent, faults.SeverityHigh, "crash", "worker died")
	fctx := faults.Context{WorkerID: "w1"}

	r1 := m.HandleError(context.Background(), err, fctx)
	r2 := m.HandleError(context.Background(), err, fctx)
	r3 := m.HandleError(context.Background(), err, fctx)

	assert.Equal(t, ActionRestartWorker, r1.Action)
	assert.Equal(t, ActionRestartWorker, r2.Action)
	assert.Equal(t, ActionEscalated, r3.Action)
	assert.False(t, r3.Success)
	assert.Equal(t, 2, failing.calls, "strategy must not run beyond the attempt budget")

	require.Len(t, published, 3)
	assert.Equal(t, 3, published[2].Attempt)
	assert.Equal(t, 3, m.Log().Len())

	// A different worker has its own budget.
	r := m.HandleError(context.Background(), err, faults.Context{WorkerID: "w2"})
	assert.Equal(t, ActionRestartWorker, r.Action)

	m.ResetWorker("w1")
	assert.Zero(t, m.Attempts(err, fctx))
}

func TestManagerSuccessResetsAttempts(t *testing.T) {
	s := &stubStrategy{name: "task", priority: 90, result: Result{Success: true, Action: ActionRetry}}
	m, _ := newTestManager(t, Config{Enabled: true, MaxAttempts: 1}, s)

	err := faults.New(faults.KindTask, faults.SeverityLow, "flaky", "try again")
	fctx := faults.Context{TaskID: "t1"}
	for i := 0; i < 5; i++ {
		assert.Equal(t, ActionRetry, m.HandleError(context.Background(), err, fctx).Action)
	}
	assert.Equal(t, 5, s.calls)
}

func TestManagerShortCircuits(t *testing.T) {
	s := &stubStrategy{name: "any", priority: 1, result: Result{Success: true, Action: ActionContinue}}

	t.Run("disabled", func(t *testing.T) {
		m, _ := newTestManager(t, Config{Enabled: false, MaxAttempts: 3}, s)
		res := m.HandleError(context.Background(), errors.New("boom"), faults.Context{})
		assert.Equal(t, ActionEscalated, res.Action)
		assert.Zero(t, s.calls)
	})

	t.Run("validation", func(t *testing.T) {
		m, _ := newTestManager(t, DefaultConfig(), s)
		res := m.HandleError(context.Background(), faults.Validation("schema", "bad field"), faults.Context{})
		assert.Equal(t, ActionEscalated, res.Action)
		assert.Contains(t, res.Message, "not recoverable")
		assert.Zero(t, s.calls)

		entries := m.Log().Entries(errlog.Filter{Kinds: []faults.Kind{faults.KindValidation}})
		require.Len(t, entries, 1)
		assert.False(t, entries[0].Success)
	})
}

func TestManagerEndToEndWithBuiltins(t *testing.T) {
	actions := &recordingActions{}
	m, _ := newTestManager(t, DefaultConfig(), BuiltinStrategies(actions, DefaultRetryPolicy())...)

	res := m.HandleError(context.Background(), errors.New("dial tcp 10.0.0.1:80: connection refused"), faults.Context{WorkerID: "w1", Operation: "execute"})
	assert.True(t, res.Success)
	assert.Equal(t, ActionReconnect, res.Action)
	assert.Equal(t, "communication", res.Strategy)

	entries := m.Log().Entries(errlog.Filter{WorkerID: "w1"})
	require.Len(t, entries, 1)
	assert.Equal(t, faults.KindCommunication, entries[0].Kind)
	assert.Equal(t, "execute", entries[0].Operation)
	assert.Equal(t, faults.ConfidencePattern, entries[0].Confidence)
}
