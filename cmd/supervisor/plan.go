package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/supervisor/internal/scheduler"
)

// Plan is a task plan file.
type Plan struct {
	Tasks []scheduler.TaskSpec `yaml:"tasks"`
}

// loadPlan reads a YAML plan and returns its tasks in dependency order, so
// every task is submitted after the tasks it depends on.
func loadPlan(path string) ([]scheduler.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return orderPlan(plan.Tasks)
}

func orderPlan(specs []scheduler.TaskSpec) ([]scheduler.TaskSpec, error) {
	byID := make(map[string]scheduler.TaskSpec, len(specs))
	graph := scheduler.NewDependencyGraph()
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i+1)
		}
		if _, dup := byID[spec.ID]; dup {
			return nil, fmt.Errorf("%w: %s", scheduler.ErrDuplicateTask, spec.ID)
		}
		byID[spec.ID] = spec
		graph.AddNode(spec.ID)
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q: %w", spec.ID, dep, scheduler.ErrTaskNotFound)
			}
			if err := graph.AddDependency(spec.ID, dep); err != nil {
				return nil, err
			}
		}
	}

	if err := graph.Validate(); err != nil {
		return nil, err
	}
	order, err := graph.Order()
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.TaskSpec, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}
