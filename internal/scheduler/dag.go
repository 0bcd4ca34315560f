package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// ErrCycle is returned when a dependency edge would close a cycle.
var ErrCycle = errors.New("dependency cycle")

// DependencyGraph is a directed acyclic graph over task IDs.
// Edges point from a task to the tasks it depends on.
type DependencyGraph struct {
	mu         sync.RWMutex
	nodes      map[string]struct{}
	deps       map[string]map[string]struct{} // taskID -> tasks it depends on
	dependents map[string]map[string]struct{} // taskID -> tasks that depend on it
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]struct{}),
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// AddNode registers a task ID without edges. Adding an existing node is a no-op.
func (g *DependencyGraph) AddNode(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[taskID] = struct{}{}
}

// AddDependency records that taskID depends on dependsOn.
// Fails with ErrCycle, leaving the graph untouched, if taskID is already
// reachable from dependsOn.
func (g *DependencyGraph) AddDependency(taskID, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if taskID == dependsOn {
		return fmt.Errorf("task %q cannot depend on itself: %w", taskID, ErrCycle)
	}
	if _, exists := g.deps[taskID][dependsOn]; exists {
		return nil
	}
	if g.reachableLocked(dependsOn, taskID) {
		return fmt.Errorf("task %q already (transitively) depends on %q: %w", dependsOn, taskID, ErrCycle)
	}

	g.nodes[taskID] = struct{}{}
	g.nodes[dependsOn] = struct{}{}
	if g.deps[taskID] == nil {
		g.deps[taskID] = make(map[string]struct{})
	}
	g.deps[taskID][dependsOn] = struct{}{}
	if g.dependents[dependsOn] == nil {
		g.dependents[dependsOn] = make(map[string]struct{})
	}
	g.dependents[dependsOn][taskID] = struct{}{}
	return nil
}

// reachableLocked reports whether target can be reached from start by
// following dependency edges. Iterative DFS, O(V+E).
func (g *DependencyGraph) reachableLocked(start, target string) bool {
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		for dep := range g.deps[n] {
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// Dependencies returns the sorted IDs taskID depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.deps[taskID])
}

// Dependents returns the sorted IDs of tasks that depend on taskID.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependents[taskID])
}

// AreDependenciesMet reports whether every dependency of taskID is in completed.
func (g *DependencyGraph) AreDependenciesMet(taskID string, completed map[string]bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for dep := range g.deps[taskID] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// EdgeCount returns the number of dependency edges.
func (g *DependencyGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, deps := range g.deps {
		n += len(deps)
	}
	return n
}

// Order returns task IDs in dependency order using gammazero/toposort.
// Every dependency precedes its dependents.
func (g *DependencyGraph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := sortedKeys(g.nodes)

	var edges []toposort.Edge
	for _, id := range ids {
		deps := sortedKeys(g.deps[id])
		if len(deps) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(ids) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range ids {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Validate checks that the graph is acyclic.
func (g *DependencyGraph) Validate() error {
	if _, err := g.Order(); err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
