package scheduler

// ScoringWeights tunes worker selection. Type match dominates, requirement
// overlap is secondary, load is penalised and priority adds a bonus.
type ScoringWeights struct {
	TypeMatch          float64 `mapstructure:"type_match" yaml:"type_match" json:"type_match"`
	RequirementOverlap float64 `mapstructure:"requirement_overlap" yaml:"requirement_overlap" json:"requirement_overlap"`
	WorkloadPenalty    float64 `mapstructure:"workload_penalty" yaml:"workload_penalty" json:"workload_penalty"`       // Per workload percent
	TaskCountPenalty   float64 `mapstructure:"task_count_penalty" yaml:"task_count_penalty" json:"task_count_penalty"` // Per current task
	PriorityBonus      float64 `mapstructure:"priority_bonus" yaml:"priority_bonus" json:"priority_bonus"`             // Per priority level
}

// DefaultScoringWeights returns the default weights.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		TypeMatch:          50,
		RequirementOverlap: 30,
		WorkloadPenalty:    0.5,
		TaskCountPenalty:   10,
		PriorityBonus:      5,
	}
}

// typeMatches reports whether the worker can handle the task's type. Tasks
// without a type match every worker.
func typeMatches(task *Task, w *WorkerInfo) bool {
	return task.Type == "" || w.HasCapability(task.Type)
}

// requirementOverlap returns the fraction of the task's requirements the
// worker advertises. A task with no requirements overlaps fully.
func requirementOverlap(task *Task, w *WorkerInfo) float64 {
	if len(task.Requirements) == 0 {
		return 1
	}
	matched := 0
	for _, req := range task.Requirements {
		if w.HasCapability(req) {
			matched++
		}
	}
	return float64(matched) / float64(len(task.Requirements))
}

// Score rates how well w fits task. Higher is better.
func (sw ScoringWeights) Score(task *Task, w *WorkerInfo) float64 {
	score := 0.0
	if typeMatches(task, w) {
		score += sw.TypeMatch
	}
	score += requirementOverlap(task, w) * sw.RequirementOverlap
	score -= w.Workload * sw.WorkloadPenalty
	score -= float64(w.CurrentTasks) * sw.TaskCountPenalty
	score += float64(task.Priority) * sw.PriorityBonus
	return score
}

// selectWorker picks the best worker for task among candidates, which must
// all be under capacity. When any candidate matches the task type, the
// others are not considered. Ties go to the lowest workload, then ID.
func (sw ScoringWeights) selectWorker(task *Task, candidates []*WorkerInfo) *WorkerInfo {
	pool := candidates
	if task.Type != "" {
		var matching []*WorkerInfo
		for _, w := range candidates {
			if w.HasCapability(task.Type) {
				matching = append(matching, w)
			}
		}
		if len(matching) > 0 {
			pool = matching
		}
	}

	var best *WorkerInfo
	bestScore := 0.0
	for _, w := range pool {
		s := sw.Score(task, w)
		switch {
		case best == nil, s > bestScore:
			best, bestScore = w, s
		case s == bestScore:
			if w.Workload < best.Workload || (w.Workload == best.Workload && w.ID < best.ID) {
				best = w
			}
		}
	}
	return best
}
