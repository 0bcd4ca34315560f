package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/supervisor/internal/faults"
	"github.com/aristath/supervisor/internal/recovery"
	"github.com/aristath/supervisor/internal/scheduler"
	"github.com/aristath/supervisor/internal/worker"
)

func runUntilIdle(t *testing.T, sys *System) []TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := NewRunner(sys).RunUntilIdle(ctx)
	require.NoError(t, err)
	return results
}

func submit(t *testing.T, sys *System, specs ...scheduler.TaskSpec) {
	t.Helper()
	for _, spec := range specs {
		_, err := sys.SubmitTask(context.Background(), spec)
		require.NoError(t, err)
	}
}

func status(t *testing.T, sys *System, id string) scheduler.TaskStatus {
	t.Helper()
	task, ok := sys.Scheduler().Task(id)
	require.True(t, ok, id)
	return task.Status
}

func TestRunnerDependencyChain(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	fn := func(_ context.Context, task *scheduler.Task) (string, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return "done:" + task.ID, nil
	}
	sys := newTestSystem(t, worker.NewLocal("w1", fn).WithCapabilities(3))
	submit(t, sys,
		scheduler.TaskSpec{ID: "A"},
		scheduler.TaskSpec{ID: "B", DependsOn: []string{"A"}},
		scheduler.TaskSpec{ID: "C", DependsOn: []string{"B"}},
	)

	results := runUntilIdle(t, sys)

	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, r.TaskID)
		assert.Equal(t, "done:"+r.TaskID, r.Output)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, scheduler.TaskCompleted, status(t, sys, id))
	}
}

func TestRunnerRecoversTransientFailure(t *testing.T) {
	var calls atomic.Int32
	fn := func(_ context.Context, task *scheduler.Task) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("worker hiccup")
		}
		return "ok", nil
	}
	sys := newTestSystem(t, worker.NewLocal("w1", fn))
	submit(t, sys, scheduler.TaskSpec{ID: "t1"})

	results := runUntilIdle(t, sys)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, recovery.ActionResetState, results[0].Action)
	assert.True(t, results[1].Success)
	assert.Equal(t, scheduler.TaskCompleted, status(t, sys, "t1"))
	assert.EqualValues(t, 2, calls.Load())

	m, _ := sys.WorkerHealth("w1")
	assert.Equal(t, 1, m.TasksFailed)
	assert.Equal(t, 1, m.TasksSucceeded)
}

func TestRunnerValidationFailureStopsDependents(t *testing.T) {
	fn := func(_ context.Context, task *scheduler.Task) (string, error) {
		if task.ID == "A" {
			return "", faults.Validation("bad_input", "title is required")
		}
		return "ok", nil
	}
	sys := newTestSystem(t, worker.NewLocal("w1", fn))
	submit(t, sys,
		scheduler.TaskSpec{ID: "A"},
		scheduler.TaskSpec{ID: "B", DependsOn: []string{"A"}},
	)

	results := runUntilIdle(t, sys)

	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].TaskID)
	assert.Equal(t, recovery.ActionEscalated, results[0].Action)
	assert.Equal(t, scheduler.TaskFailed, status(t, sys, "A"))
	assert.Equal(t, scheduler.TaskPending, status(t, sys, "B"))

	m, _ := sys.WorkerHealth("w1")
	assert.True(t, m.Healthy, "bad input does not count against the worker")
	assert.Zero(t, m.ConsecutiveFailures)
	assert.Zero(t, m.TasksFailed)
}

func TestRunnerRequeueBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.MaxAttempts = 2

	var calls atomic.Int32
	fn := func(context.Context, *scheduler.Task) (string, error) {
		calls.Add(1)
		return "", errors.New("worker hiccup")
	}
	sys := newSystemWith(t, cfg, nil, worker.NewLocal("w1", fn))
	submit(t, sys, scheduler.TaskSpec{ID: "t1"})

	results := runUntilIdle(t, sys)

	assert.EqualValues(t, 3, calls.Load(), "initial run plus two requeues")
	require.Len(t, results, 3)
	assert.Equal(t, scheduler.TaskFailed, status(t, sys, "t1"))
}

func TestRunnerCapabilityRouting(t *testing.T) {
	whoami := func(id string) worker.ExecFunc {
		return func(context.Context, *scheduler.Task) (string, error) { return id, nil }
	}
	sys := newTestSystem(t,
		worker.NewLocal("gopher", whoami("gopher")).WithCapabilities(2, "go"),
		worker.NewLocal("writer", whoami("writer")).WithCapabilities(2, "docs"))
	submit(t, sys,
		scheduler.TaskSpec{ID: "build", Type: "go"},
		scheduler.TaskSpec{ID: "readme", Type: "docs"},
		scheduler.TaskSpec{ID: "test", Requirements: []string{"go"}},
	)

	results := runUntilIdle(t, sys)

	require.Len(t, results, 3)
	ran := make(map[string]string)
	for _, r := range results {
		require.True(t, r.Success, r.TaskID)
		assert.Equal(t, r.WorkerID, r.Output)
		ran[r.TaskID] = r.WorkerID
	}
	assert.Equal(t, map[string]string{
		"build":  "gopher",
		"readme": "writer",
		"test":   "gopher",
	}, ran)
}

func TestRunnerReassignsTaskFailure(t *testing.T) {
	flaky := func(context.Context, *scheduler.Task) (string, error) {
		return "", faults.New(faults.KindTask, faults.SeverityMedium, "flaky_task", "task flaked")
	}
	sys := newTestSystem(t,
		worker.NewLocal("w1", flaky),
		worker.NewLocal("w2", echo))
	submit(t, sys, scheduler.TaskSpec{ID: "t1"})
	require.NoError(t, sys.Scheduler().AssignTo("t1", "w1"))

	results := runUntilIdle(t, sys)

	require.Len(t, results, 2)
	byWorker := make(map[string]TaskResult)
	for _, r := range results {
		byWorker[r.WorkerID] = r
	}
	assert.False(t, byWorker["w1"].Success)
	assert.Equal(t, recovery.ActionReassign, byWorker["w1"].Action)
	assert.True(t, byWorker["w2"].Success)
	assert.Equal(t, scheduler.TaskCompleted, status(t, sys, "t1"))

	m, _ := sys.WorkerHealth("w1")
	assert.Zero(t, m.TasksFailed)
}

func TestWorkerFault(t *testing.T) {
	for _, k := range []faults.Kind{faults.KindAgent, faults.KindCommunication, faults.KindSystem, faults.KindUnknown} {
		assert.True(t, workerFault(k), k)
	}
	for _, k := range []faults.Kind{faults.KindValidation, faults.KindTask, faults.KindFile} {
		assert.False(t, workerFault(k), k)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	block := func(ctx context.Context, _ *scheduler.Task) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	}
	sys := newTestSystem(t, worker.NewLocal("w1", block))
	submit(t, sys, scheduler.TaskSpec{ID: "t1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(sys).Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, scheduler.TaskPending, status(t, sys, "t1"), "interrupted task is requeued")
	m, _ := sys.WorkerHealth("w1")
	assert.Zero(t, m.TasksFailed)
}
