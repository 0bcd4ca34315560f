package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/supervisor/internal/failover"
	"github.com/aristath/supervisor/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

	dep1 := &scheduler.Task{ID: "dep-1", Title: "Dependency 1", Status: scheduler.TaskCompleted, CreatedAt: created}
	dep2 := &scheduler.Task{ID: "dep-2", Title: "Dependency 2", Status: scheduler.TaskCompleted, CreatedAt: created}
	task := &scheduler.Task{
		ID:                "task-1",
		Title:             "Build",
		Type:              "go",
		Priority:          scheduler.PriorityHigh,
		DependsOn:         []string{"dep-1", "dep-2"},
		EstimatedDuration: 90 * time.Second,
		Requirements:      []string{"go", "linux"},
		Resources:         []string{"repo.lock"},
		Status:            scheduler.TaskInProgress,
		AssignedWorker:    "w1",
		CreatedAt:         created.Add(time.Minute),
		StartedAt:         created.Add(2 * time.Minute),
	}

	for _, tk := range []*scheduler.Task{dep1, dep2, task} {
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatalf("failed to save %s: %v", tk.ID, err)
		}
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if got.Title != task.Title || got.Type != task.Type || got.Priority != task.Priority {
		t.Errorf("basic fields mismatch: got %+v", got)
	}
	if got.Status != scheduler.TaskInProgress || got.AssignedWorker != "w1" {
		t.Errorf("status/assignment mismatch: got %s on %q", got.Status, got.AssignedWorker)
	}
	if got.EstimatedDuration != task.EstimatedDuration {
		t.Errorf("EstimatedDuration mismatch: got %s, want %s", got.EstimatedDuration, task.EstimatedDuration)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) || !got.StartedAt.Equal(task.StartedAt) {
		t.Errorf("timestamps mismatch: got created=%s started=%s", got.CreatedAt, got.StartedAt)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("CompletedAt should be zero, got %s", got.CompletedAt)
	}
	if fmt.Sprint(got.DependsOn) != "[dep-1 dep-2]" {
		t.Errorf("DependsOn mismatch: got %v", got.DependsOn)
	}
	if fmt.Sprint(got.Requirements) != "[go linux]" || fmt.Sprint(got.Resources) != "[repo.lock]" {
		t.Errorf("lists mismatch: requirements=%v resources=%v", got.Requirements, got.Resources)
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := &scheduler.Task{ID: "task-idempotent", Title: "Idempotent", Status: scheduler.TaskPending}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	task.Status = scheduler.TaskCompleted
	task.Result = "Success"
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task second time: %v", err)
	}

	got, err := store.GetTask(ctx, "task-idempotent")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != scheduler.TaskCompleted || got.Result != "Success" {
		t.Errorf("update not applied: got %s %q", got.Status, got.Result)
	}
}

func TestSaveTaskMissingDependency(t *testing.T) {
	store := testStore(t)

	err := store.SaveTask(context.Background(), &scheduler.Task{ID: "orphan", Status: scheduler.TaskPending, DependsOn: []string{"ghost"}})
	if err == nil {
		t.Fatal("expected error for missing dependency, got nil")
	}
	if _, err := store.GetTask(context.Background(), "orphan"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("failed save must roll back, got %v", err)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, &scheduler.Task{ID: "task-status", Status: scheduler.TaskPending}); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, "task-status", scheduler.TaskFailed, "", errors.New("exit status 2")); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, err := store.GetTask(ctx, "task-status")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != scheduler.TaskFailed || got.Error != "exit status 2" {
		t.Errorf("got %s %q, want failed with error", got.Status, got.Error)
	}
	if got.CompletedAt.IsZero() {
		t.Error("terminal status should set CompletedAt")
	}

	err = store.UpdateTaskStatus(ctx, "nonexistent", scheduler.TaskCompleted, "result", nil)
	if !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got: %v", err)
	}
}

func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	tasks := []*scheduler.Task{
		{ID: "list-1", Status: scheduler.TaskCompleted, CreatedAt: base},
		{ID: "list-2", Status: scheduler.TaskPending, CreatedAt: base.Add(time.Second), DependsOn: []string{"list-1"}},
		{ID: "list-3", Status: scheduler.TaskPending, CreatedAt: base.Add(2 * time.Second), DependsOn: []string{"list-1", "list-2"}},
	}
	for _, tk := range tasks {
		if err := store.SaveTask(ctx, tk); err != nil {
			t.Fatalf("failed to save %s: %v", tk.ID, err)
		}
	}

	got, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(got))
	}
	for i, tk := range got {
		if tk.ID != tasks[i].ID {
			t.Errorf("task %d: got %s, want %s", i, tk.ID, tasks[i].ID)
		}
		if len(tk.DependsOn) != len(tasks[i].DependsOn) {
			t.Errorf("task %s: got %d dependencies, want %d", tk.ID, len(tk.DependsOn), len(tasks[i].DependsOn))
		}
	}
}

func TestSnapshots(t *testing.T) {
	store := testStore(t)
	store.SetSnapshotHistory(2)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.LatestSnapshot(ctx, "w1"); !errors.Is(err, failover.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	for i := 0; i < 4; i++ {
		snap := failover.AgentStateSnapshot{
			WorkerID:    "w1",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Status:      "available",
			ActiveTasks: []string{fmt.Sprintf("t%d", i)},
			Workload:    float64(i * 25),
			Config:      map[string]string{"command": "make"},
		}
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("failed to save snapshot %d: %v", i, err)
		}
	}

	latest, err := store.LatestSnapshot(ctx, "w1")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if !latest.Timestamp.Equal(base.Add(3*time.Minute)) || latest.Workload != 75 {
		t.Errorf("wrong snapshot returned: %+v", latest)
	}
	if latest.Config["command"] != "make" || fmt.Sprint(latest.ActiveTasks) != "[t3]" {
		t.Errorf("snapshot payload mismatch: %+v", latest)
	}

	n, err := store.SnapshotCount(ctx, "w1")
	if err != nil {
		t.Fatalf("failed to count snapshots: %v", err)
	}
	if n != 2 {
		t.Errorf("expected history pruned to 2, got %d", n)
	}
}

func TestCheckpoints(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	save := func(cp failover.TaskCheckpoint) {
		t.Helper()
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("failed to save checkpoint %s: %v", cp.TaskID, err)
		}
	}
	save(failover.TaskCheckpoint{TaskID: "b", WorkerID: "w1", Progress: 0.3})
	save(failover.TaskCheckpoint{TaskID: "a", WorkerID: "w1", Progress: 0.5, Intermediate: json.RawMessage(`{"step":2}`)})
	save(failover.TaskCheckpoint{TaskID: "c", WorkerID: "w2"})
	save(failover.TaskCheckpoint{TaskID: "b", WorkerID: "w2", Progress: 0.6})

	cps, err := store.Checkpoints(ctx, "w1")
	if err != nil {
		t.Fatalf("failed to load checkpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].TaskID != "a" || string(cps[0].Intermediate) != `{"step":2}` {
		t.Fatalf("unexpected w1 checkpoints: %+v", cps)
	}

	cps, err = store.Checkpoints(ctx, "w2")
	if err != nil {
		t.Fatalf("failed to load checkpoints: %v", err)
	}
	if len(cps) != 2 || cps[0].TaskID != "b" || cps[0].Progress != 0.6 {
		t.Fatalf("checkpoint b should have moved to w2: %+v", cps)
	}

	if err := store.DeleteCheckpoint(ctx, "b"); err != nil {
		t.Fatalf("failed to delete checkpoint: %v", err)
	}
	cps, _ = store.Checkpoints(ctx, "w2")
	if len(cps) != 1 {
		t.Errorf("expected 1 checkpoint after delete, got %d", len(cps))
	}
}

func TestStoreBacksFailoverRecovery(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sched := scheduler.NewScheduler(nil, nil)
	if err := sched.RegisterWorker(scheduler.WorkerInfo{ID: "w1", MaxConcurrentTasks: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.SubmitTask(scheduler.TaskSpec{ID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := sched.RegisterWorker(scheduler.WorkerInfo{ID: "w2", MaxConcurrentTasks: 2}); err != nil {
		t.Fatal(err)
	}

	coord := failover.NewCoordinator(failover.DefaultConfig(), sched, store)
	if _, err := coord.Snapshot(ctx, "w1"); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if err := coord.SaveCheckpoint(ctx, failover.TaskCheckpoint{TaskID: "t1", WorkerID: "w1", Progress: 0.4}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	rec, err := coord.RecoverAgentState(ctx, "w1", "w2")
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if len(rec.Checkpoints) != 1 || rec.Checkpoints[0].WorkerID != "w2" {
		t.Errorf("checkpoint not replayed onto w2: %+v", rec.Checkpoints)
	}
	if task, _ := sched.Task("t1"); task.AssignedWorker != "w2" {
		t.Errorf("t1 should be on w2, got %q", task.AssignedWorker)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "supervisor.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SaveTask(ctx, &scheduler.Task{ID: "kept", Status: scheduler.TaskPending}); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()

	if _, err := store.GetTask(ctx, "kept"); err != nil {
		t.Errorf("task lost across reopen: %v", err)
	}
}
