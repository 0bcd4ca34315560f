package failover

import (
	"fmt"
	"sort"

	"github.com/aristath/supervisor/internal/health"
	"github.com/aristath/supervisor/internal/scheduler"
)

// HealthSource supplies per-worker health records for ranking.
type HealthSource interface {
	Metrics(workerID string) (health.AgentHealthMetrics, bool)
}

// Candidates returns the workers that pass criteria, ranked best first.
// failedWorker is always excluded, as are unavailable, full and unhealthy
// workers.
func (c *Coordinator) Candidates(failedWorker string, criteria Criteria) []Candidate {
	c.mu.RLock()
	hs := c.health
	c.mu.RUnlock()

	excluded := make(map[string]bool, len(criteria.Exclude)+1)
	excluded[failedWorker] = true
	for _, id := range criteria.Exclude {
		excluded[id] = true
	}

	var out []Candidate
	for _, w := range c.pool.Workers() {
		if excluded[w.ID] || !w.HasCapacity() {
			continue
		}
		if criteria.MaxWorkload > 0 && w.Workload > criteria.MaxWorkload {
			continue
		}
		if !hasAll(w, criteria.RequiredCapabilities) {
			continue
		}

		cand := Candidate{
			WorkerID:     w.ID,
			Capabilities: append([]string(nil), w.Capabilities...),
			Workload:     w.Workload,
			CurrentTasks: w.CurrentTasks,
			MaxTasks:     w.MaxConcurrentTasks,
			SuccessRate:  1,
		}
		if hs != nil {
			if m, ok := hs.Metrics(w.ID); ok {
				if !m.Healthy {
					continue
				}
				cand.SuccessRate = m.TaskSuccessRate
				cand.ResponseTime = m.ResponseTime
			}
		}
		out = append(out, cand)
	}

	rank(out, criteria.PriorityBy)
	return out
}

func rank(cands []Candidate, by PriorityBy) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		switch by {
		case BySuccessRate:
			if a.SuccessRate != b.SuccessRate {
				return a.SuccessRate > b.SuccessRate
			}
		case ByResponseTime:
			if a.ResponseTime != b.ResponseTime {
				return a.ResponseTime < b.ResponseTime
			}
		default:
			if a.Workload != b.Workload {
				return a.Workload < b.Workload
			}
		}
		return a.WorkerID < b.WorkerID
	})
}

func hasAll(w *scheduler.WorkerInfo, tags []string) bool {
	for _, t := range tags {
		if !w.HasCapability(t) {
			return false
		}
	}
	return true
}

// Suits reports whether cand can run task: no requirements, a matching type
// tag or at least one shared requirement.
func Suits(cand Candidate, task *scheduler.Task) bool {
	if len(task.Requirements) == 0 {
		return true
	}
	for _, c := range cand.Capabilities {
		if c == task.Type {
			return true
		}
		for _, r := range task.Requirements {
			if c == r {
				return true
			}
		}
	}
	return false
}

// ReassignTasks moves tasks off failedWorker. Each task goes to the best
// remaining candidate; tasks with no candidate are failed so they never sit
// silently pending on a dead worker.
func (c *Coordinator) ReassignTasks(tasks []*scheduler.Task, failedWorker string, criteria Criteria) ReassignResult {
	var res ReassignResult
	cands := c.Candidates(failedWorker, criteria)

	for _, task := range tasks {
		assigned := false
		for i := range cands {
			cand := &cands[i]
			if cand.CurrentTasks >= cand.MaxTasks || !Suits(*cand, task) {
				continue
			}
			if criteria.MaxWorkload > 0 && cand.Workload > criteria.MaxWorkload {
				continue
			}
			if err := c.pool.AssignTo(task.ID, cand.WorkerID); err != nil {
				c.logger().Warn("reassignment rejected", "task", task.ID, "worker", cand.WorkerID, "error", err)
				continue
			}

			cand.CurrentTasks++
			if cand.MaxTasks > 0 {
				cand.Workload = float64(cand.CurrentTasks) / float64(cand.MaxTasks) * 100
			}
			res.Assigned = append(res.Assigned, Assignment{TaskID: task.ID, WorkerID: cand.WorkerID})
			assigned = true
			rank(cands, criteria.PriorityBy)
			break
		}
		if assigned {
			continue
		}

		cause := fmt.Errorf("%w for task %s after failure of %s", ErrNoCandidate, task.ID, failedWorker)
		if err := c.pool.FailTask(task.ID, cause); err != nil {
			c.logger().Warn("could not fail orphaned task", "task", task.ID, "error", err)
		}
		res.Failed = append(res.Failed, task.ID)
	}
	return res
}
