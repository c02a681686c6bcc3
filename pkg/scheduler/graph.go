package scheduler

import (
	"time"

	"github.com/packforge/packforge/pkg/types"
)

type taskNode struct {
	task   types.Task
	index  int
	state  types.TaskState
	result types.ExecutionResult
}

// taskGraph indexes tasks by id with forward (dependencies) and reverse
// (dependents) edges. Dependents may name ids that were never added.
type taskGraph struct {
	nodes      map[string]*taskNode
	order      []*taskNode
	dependents map[string][]string
}

func newTaskGraph() *taskGraph {
	return &taskGraph{
		nodes:      make(map[string]*taskNode),
		dependents: make(map[string][]string),
	}
}

func (g *taskGraph) add(task types.Task) *taskNode {
	task.Dependencies = append([]string(nil), task.Dependencies...)
	n := &taskNode{
		task:  task,
		index: len(g.order),
		state: types.TaskStatePending,
		result: types.ExecutionResult{
			TaskID: task.ID,
			State:  types.TaskStatePending,
		},
	}
	g.nodes[task.ID] = n
	g.order = append(g.order, n)
	for _, dep := range task.Dependencies {
		g.dependents[dep] = append(g.dependents[dep], task.ID)
	}
	return n
}

func (g *taskGraph) len() int { return len(g.order) }

// depsCompleted reports whether every dependency exists and is Completed
func (g *taskGraph) depsCompleted(n *taskNode) bool {
	for _, dep := range n.task.Dependencies {
		d, ok := g.nodes[dep]
		if !ok || d.state != types.TaskStateCompleted {
			return false
		}
	}
	return true
}

// ready promotes Pending tasks whose dependencies completed and returns all
// Ready tasks in submission order.
func (g *taskGraph) ready() []*taskNode {
	var ready []*taskNode
	for _, n := range g.order {
		switch n.state {
		case types.TaskStatePending:
			if !g.depsCompleted(n) {
				continue
			}
			n.state = types.TaskStateReady
			n.result.State = types.TaskStateReady
			ready = append(ready, n)
		case types.TaskStateReady:
			ready = append(ready, n)
		}
	}
	return ready
}

func (g *taskGraph) settled() int {
	count := 0
	for _, n := range g.order {
		if n.state.IsTerminal() {
			count++
		}
	}
	return count
}

// failedAncestor finds a Failed or Cancelled task among the transitive dependencies of id
func (g *taskGraph) failedAncestor(id string, seen map[string]bool) (string, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	for _, dep := range n.task.Dependencies {
		if seen[dep] {
			continue
		}
		seen[dep] = true

		d, ok := g.nodes[dep]
		if !ok {
			continue
		}
		if d.state == types.TaskStateFailed || d.state == types.TaskStateCancelled {
			return dep, true
		}
		if ancestor, found := g.failedAncestor(dep, seen); found {
			return ancestor, true
		}
	}
	return "", false
}

// criticalPath returns the longest chain of estimated durations starting at
// a root (a task with no dependencies). Roots are tried in submission order
// and dependents in the order they were added; ties keep the first chain.
func (g *taskGraph) criticalPath() ([]string, time.Duration) {
	memo := make(map[string]time.Duration, len(g.order))
	next := make(map[string]string, len(g.order))
	visiting := make(map[string]bool)

	var longest func(id string) time.Duration
	longest = func(id string) time.Duration {
		if d, ok := memo[id]; ok {
			return d
		}
		n, ok := g.nodes[id]
		if !ok || visiting[id] {
			return 0
		}
		visiting[id] = true

		var best time.Duration
		bestChild := ""
		for _, child := range g.dependents[id] {
			if _, ok := g.nodes[child]; !ok {
				continue
			}
			if d := longest(child); bestChild == "" || d > best {
				best = d
				bestChild = child
			}
		}

		visiting[id] = false
		total := n.task.EstimatedDuration + best
		memo[id] = total
		if bestChild != "" {
			next[id] = bestChild
		}
		return total
	}

	var (
		bestRoot  string
		bestTotal time.Duration
		found     bool
	)
	for _, n := range g.order {
		if len(n.task.Dependencies) != 0 {
			continue
		}
		if total := longest(n.task.ID); !found || total > bestTotal {
			bestRoot, bestTotal, found = n.task.ID, total, true
		}
	}
	if !found {
		return nil, 0
	}

	path := []string{bestRoot}
	seen := map[string]bool{bestRoot: true}
	for id := next[bestRoot]; id != "" && !seen[id]; id = next[id] {
		seen[id] = true
		path = append(path, id)
	}
	return path, bestTotal
}
