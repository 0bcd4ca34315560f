package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/supervisor/internal/metrics"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrWorkerNotFound     = errors.New("worker not found")
	ErrDuplicateTask      = errors.New("task already exists")
	ErrTaskNotPending     = errors.New("task is not pending")
	ErrNoAgentAvailable   = errors.New("no agent available")
	ErrNoSuitableAgent    = errors.New("no suitable agent")
	ErrDependenciesNotMet = errors.New("dependencies not met")
)

// Scheduler assigns pending tasks to workers and hands them out in
// priority order once their dependencies are complete.
type Scheduler struct {
	mu        sync.RWMutex
	graph     *DependencyGraph
	locks     *ResourceLockManager
	tasks     map[string]*Task
	workers   map[string]*WorkerInfo
	queues    map[string]*TaskQueue
	completed map[string]bool
	weights   ScoringWeights
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler creates a Scheduler over the given graph and lock manager.
func NewScheduler(graph *DependencyGraph, locks *ResourceLockManager) *Scheduler {
	if graph == nil {
		graph = NewDependencyGraph()
	}
	if locks == nil {
		locks = NewResourceLockManager()
	}
	return &Scheduler{
		graph:     graph,
		locks:     locks,
		tasks:     make(map[string]*Task),
		workers:   make(map[string]*WorkerInfo),
		queues:    make(map[string]*TaskQueue),
		completed: make(map[string]bool),
		weights:   DefaultScoringWeights(),
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// SetLogger replaces the scheduler's logger.
func (s *Scheduler) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// SetWeights replaces the scoring weights. Safe to call at runtime.
func (s *Scheduler) SetWeights(w ScoringWeights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = w
}

// Graph returns the underlying dependency graph.
func (s *Scheduler) Graph() *DependencyGraph { return s.graph }

// Locks returns the resource lock manager.
func (s *Scheduler) Locks() *ResourceLockManager { return s.locks }

// HeldResources returns the resources currently locked by workerID's tasks.
func (s *Scheduler) HeldResources(workerID string) []string {
	return s.locks.HeldBy(workerID)
}

// RegisterWorker adds or updates a worker. Existing task counts are kept.
func (s *Scheduler) RegisterWorker(info WorkerInfo) error {
	if info.ID == "" {
		return fmt.Errorf("worker ID is required")
	}
	if info.MaxConcurrentTasks <= 0 {
		info.MaxConcurrentTasks = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := cloneWorker(&info)
	if existing, ok := s.workers[info.ID]; ok {
		w.CurrentTasks = existing.CurrentTasks
	} else {
		w.CurrentTasks = 0
		s.queues[info.ID] = &TaskQueue{}
	}
	w.Available = true
	w.recomputeWorkload()
	s.workers[info.ID] = w
	metrics.UpdateWorkerTasks(w.ID, w.CurrentTasks)
	return nil
}

// SetWorkerAvailable marks a worker as eligible (or not) for new assignments.
func (s *Scheduler) SetWorkerAvailable(workerID string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Available = available
	return nil
}

// AddCapabilities merges tags into a worker's capability set.
func (s *Scheduler) AddCapabilities(workerID string, tags ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	for _, tag := range tags {
		if tag != "" && !containsString(w.Capabilities, tag) {
			w.Capabilities = append(w.Capabilities, tag)
		}
	}
	return nil
}

// Worker returns a copy of the worker's info.
func (s *Scheduler) Worker(workerID string) (*WorkerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, false
	}
	return cloneWorker(w), true
}

// Workers returns copies of all workers sorted by ID.
func (s *Scheduler) Workers() []*WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubmitTask creates a pending task and schedules it if it is ready.
// Dependencies must reference already submitted tasks.
func (s *Scheduler) SubmitTask(spec TaskSpec) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.tasks[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	for _, dep := range spec.DependsOn {
		if dep == id {
			return nil, fmt.Errorf("task %q cannot depend on itself: %w", id, ErrCycle)
		}
		if _, ok := s.tasks[dep]; !ok {
			return nil, fmt.Errorf("task %q depends on unknown task %q: %w", id, dep, ErrTaskNotFound)
		}
	}

	priority := spec.Priority
	if priority == 0 {
		priority = PriorityMedium
	}
	task := &Task{
		ID:                id,
		Title:             spec.Title,
		Type:              spec.Type,
		Priority:          priority,
		DependsOn:         append([]string(nil), spec.DependsOn...),
		EstimatedDuration: spec.EstimatedDuration,
		Requirements:      append([]string(nil), spec.Requirements...),
		Resources:         append([]string(nil), spec.Resources...),
		Status:            TaskPending,
		CreatedAt:         s.now(),
	}

	s.graph.AddNode(id)
	for _, dep := range task.DependsOn {
		// A fresh node has no dependents, so these edges cannot close a cycle.
		if err := s.graph.AddDependency(id, dep); err != nil {
			return nil, err
		}
	}
	s.tasks[id] = task

	if s.graph.AreDependenciesMet(id, s.completed) {
		if _, err := s.scheduleLocked(task); err != nil {
			s.logger.Debug("task left pending", "task", id, "error", err)
		}
	}
	return cloneTask(task), nil
}

// AddDependency makes taskID depend on dependsOn. A queued task whose new
// dependency is not yet complete is pulled back to unassigned.
func (s *Scheduler) AddDependency(taskID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if _, ok := s.tasks[dependsOn]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, dependsOn)
	}
	if task.Status != TaskPending {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, task.Status)
	}
	if err := s.graph.AddDependency(taskID, dependsOn); err != nil {
		return err
	}
	if !containsString(task.DependsOn, dependsOn) {
		task.DependsOn = append(task.DependsOn, dependsOn)
	}
	if task.AssignedWorker != "" && !s.completed[dependsOn] {
		s.detachLocked(task)
	}
	return nil
}

// AreDependenciesMet checks taskID against the caller's completed set.
func (s *Scheduler) AreDependenciesMet(taskID string, completed map[string]bool) bool {
	return s.graph.AreDependenciesMet(taskID, completed)
}

// ScheduleTask assigns a pending task to the best-fit worker and returns the
// worker ID. The task stays pending if no worker can take it.
func (s *Scheduler) ScheduleTask(taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return s.scheduleLocked(task)
}

func (s *Scheduler) scheduleLocked(task *Task) (string, error) {
	if task.Status != TaskPending {
		return "", fmt.Errorf("%w: %s is %s", ErrTaskNotPending, task.ID, task.Status)
	}
	if task.AssignedWorker != "" {
		return task.AssignedWorker, nil
	}
	if !s.graph.AreDependenciesMet(task.ID, s.completed) {
		return "", fmt.Errorf("%w: %s", ErrDependenciesNotMet, task.ID)
	}

	var candidates []*WorkerInfo
	for _, w := range s.workers {
		if w.HasCapacity() {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w for task %s", ErrNoAgentAvailable, task.ID)
	}

	best := s.weights.selectWorker(task, candidates)
	if best == nil || (!typeMatches(task, best) && requirementOverlap(task, best) == 0) {
		return "", fmt.Errorf("%w for task %s", ErrNoSuitableAgent, task.ID)
	}

	s.attachLocked(task, best)
	s.logger.Debug("task scheduled", "task", task.ID, "worker", best.ID)
	return best.ID, nil
}

func (s *Scheduler) attachLocked(task *Task, w *WorkerInfo) {
	task.AssignedWorker = w.ID
	w.CurrentTasks++
	w.recomputeWorkload()
	s.queues[w.ID].push(task)
	metrics.UpdateWorkerTasks(w.ID, w.CurrentTasks)
}

// detachLocked removes task from its worker and returns it to unassigned pending.
func (s *Scheduler) detachLocked(task *Task) {
	s.releaseLocked(task)
	task.AssignedWorker = ""
	task.Status = TaskPending
	task.StartedAt = time.Time{}
}

// releaseLocked drops the worker-side bookkeeping for task.
func (s *Scheduler) releaseLocked(task *Task) {
	if task.AssignedWorker == "" {
		return
	}
	if q, ok := s.queues[task.AssignedWorker]; ok {
		q.remove(task.ID)
	}
	if w, ok := s.workers[task.AssignedWorker]; ok && w.CurrentTasks > 0 {
		w.CurrentTasks--
		w.recomputeWorkload()
		metrics.UpdateWorkerTasks(w.ID, w.CurrentTasks)
	}
	s.locks.ReleaseTask(task.ID)
}

// GetNextTask pops the first queued task for workerID whose dependencies are
// complete and whose resources are free, marking it in progress.
func (s *Scheduler) GetNextTask(workerID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[workerID]
	if !ok {
		return nil, false
	}
	id, found := q.firstMatching(func(taskID string) bool {
		t := s.tasks[taskID]
		if t == nil || t.Status != TaskPending {
			return false
		}
		if !s.graph.AreDependenciesMet(taskID, s.completed) {
			return false
		}
		return s.locks.TryAcquireAll(taskID, workerID, t.Resources)
	})
	if !found {
		return nil, false
	}

	q.remove(id)
	task := s.tasks[id]
	task.Status = TaskInProgress
	task.StartedAt = s.now()
	return cloneTask(task), true
}

// CompleteTask marks a task completed and schedules dependents that became ready.
func (s *Scheduler) CompleteTask(taskID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %q already %s", taskID, task.Status)
	}

	s.releaseLocked(task)
	task.Status = TaskCompleted
	task.Result = result
	task.CompletedAt = s.now()
	s.completed[taskID] = true

	for _, depID := range s.graph.Dependents(taskID) {
		dep := s.tasks[depID]
		if dep == nil || dep.Status != TaskPending || dep.AssignedWorker != "" {
			continue
		}
		if !s.graph.AreDependenciesMet(depID, s.completed) {
			continue
		}
		if _, err := s.scheduleLocked(dep); err != nil {
			s.logger.Debug("dependent left pending", "task", depID, "error", err)
		}
	}
	return nil
}

// FailTask marks a task failed and frees its worker slot.
func (s *Scheduler) FailTask(taskID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %q already %s", taskID, task.Status)
	}

	s.releaseLocked(task)
	task.Status = TaskFailed
	if cause != nil {
		task.Error = cause.Error()
	}
	task.CompletedAt = s.now()
	return nil
}

// CancelTask withdraws a non-terminal task.
func (s *Scheduler) CancelTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %q already %s", taskID, task.Status)
	}

	s.releaseLocked(task)
	task.Status = TaskCancelled
	task.CompletedAt = s.now()
	return nil
}

// RequeueTask returns a non-terminal task to pending and tries to schedule it again.
func (s *Scheduler) RequeueTask(taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return "", fmt.Errorf("task %q already %s", taskID, task.Status)
	}
	s.detachLocked(task)
	return s.scheduleLocked(task)
}

// AssignTo moves a non-terminal task to workerID, bypassing scoring. The task
// is queued as pending on the new worker.
func (s *Scheduler) AssignTo(taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %q already %s", taskID, task.Status)
	}
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if task.AssignedWorker == workerID && task.Status == TaskPending {
		return nil
	}
	if !w.HasCapacity() {
		return fmt.Errorf("%w: worker %s is full or unavailable", ErrNoAgentAvailable, workerID)
	}

	s.detachLocked(task)
	s.attachLocked(task, w)
	return nil
}

// RebalanceQueues re-submits every pending, ready, unassigned task through
// ScheduleTask and returns how many were assigned.
func (s *Scheduler) RebalanceQueues() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Task
	for _, t := range s.tasks {
		if t.Status == TaskPending && t.AssignedWorker == "" && s.graph.AreDependenciesMet(t.ID, s.completed) {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	assigned := 0
	for _, t := range pending {
		if _, err := s.scheduleLocked(t); err == nil {
			assigned++
		}
	}
	return assigned
}

// Idle reports whether no task is running or waiting in a worker queue.
// Unassigned pending tasks do not count.
func (s *Scheduler) Idle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasks {
		if t.Status == TaskInProgress || (t.Status == TaskPending && t.AssignedWorker != "") {
			return false
		}
	}
	return true
}

// Task returns a copy of the task.
func (s *Scheduler) Task(taskID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Tasks returns copies of all tasks ordered by creation time.
func (s *Scheduler) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveTasks returns the non-terminal tasks assigned to workerID.
func (s *Scheduler) ActiveTasks(workerID string) []*Task {
	return s.tasksWhere(func(t *Task) bool {
		return t.AssignedWorker == workerID && !t.Status.Terminal()
	})
}

// CompletedTasks returns the tasks workerID completed.
func (s *Scheduler) CompletedTasks(workerID string) []*Task {
	return s.tasksWhere(func(t *Task) bool {
		return t.AssignedWorker == workerID && t.Status == TaskCompleted
	})
}

func (s *Scheduler) tasksWhere(keep func(*Task) bool) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Queue returns the queued task IDs for workerID in processing order.
func (s *Scheduler) Queue(workerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[workerID]
	if !ok {
		return nil
	}
	return q.IDs()
}

// Completed returns a copy of the completed-task set.
func (s *Scheduler) Completed() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.completed))
	for id := range s.completed {
		out[id] = true
	}
	return out
}

// Counts returns the number of tasks per status.
func (s *Scheduler) Counts() map[TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
