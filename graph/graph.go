// Package graph builds the dependency structure over a plan's actions.
//
// Nodes live in an arena (a slice in insertion order) addressed through an
// id index; edges are the action's depends_on ids. A Graph is read-only once
// built and is discarded at the end of the iteration that produced it.
package graph

import (
	"fmt"
	"sort"

	"github.com/hupe1980/wavemesh/core"
)

// Set is a set of action ids.
type Set map[string]struct{}

// NewSet returns a set holding ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s Set) Add(id string) { s[id] = struct{}{} }

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type node struct {
	action     core.Action
	dependents []int
}

// Graph is the dependency graph of one plan.
type Graph struct {
	nodes []node
	index map[string]int
	// pending holds dependents of ids that have not been added yet.
	pending map[string][]int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: map[string]int{}, pending: map[string][]int{}}
}

// Build creates a graph from plan and validates it: duplicate ids, dangling
// dependencies, duplicate output keys and cycles are rejected with a
// *core.PlanValidationError.
func Build(plan *core.ExecutionPlan) (*Graph, error) {
	if err := core.ValidatePlan(plan); err != nil {
		return nil, err
	}
	g := New()
	for _, a := range plan.Actions {
		if err := g.AddAction(a); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// AddAction registers a node. Duplicate ids are rejected.
func (g *Graph) AddAction(a core.Action) error {
	if _, exists := g.index[a.ID]; exists {
		return &core.PlanValidationError{
			Reason:   fmt.Sprintf("duplicate action id %q", a.ID),
			ActionID: a.ID,
			Err:      core.ErrDuplicateAction,
		}
	}
	i := len(g.nodes)
	g.index[a.ID] = i
	g.nodes = append(g.nodes, node{action: a, dependents: g.pending[a.ID]})
	delete(g.pending, a.ID)
	g.link(i)
	return nil
}

// link adds the edges of node i. Dependencies not yet added are parked in
// pending and attached when they arrive, so dependents stay in insertion
// order.
func (g *Graph) link(i int) {
	for _, dep := range g.nodes[i].action.DependsOn {
		if j, ok := g.index[dep]; ok {
			g.nodes[j].dependents = append(g.nodes[j].dependents, i)
			continue
		}
		g.pending[dep] = append(g.pending[dep], i)
	}
}

// Len returns the number of actions.
func (g *Graph) Len() int { return len(g.nodes) }

// Action returns the action registered under id.
func (g *Graph) Action(id string) (core.Action, bool) {
	i, ok := g.index[id]
	if !ok {
		return core.Action{}, false
	}
	return g.nodes[i].action, true
}

// Actions returns all actions in insertion order.
func (g *Graph) Actions() []core.Action {
	out := make([]core.Action, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.action
	}
	return out
}

// Dependents returns the ids of actions that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.nodes[i].dependents))
	for _, j := range g.nodes[i].dependents {
		out = append(out, g.nodes[j].action.ID)
	}
	return out
}

// Validate checks for dangling dependencies, duplicate output keys and
// cycles.
func (g *Graph) Validate() error {
	outputs := map[string]string{}
	for _, n := range g.nodes {
		for _, dep := range n.action.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return &core.PlanValidationError{
					Reason:   fmt.Sprintf("action %q depends on unknown action %q", n.action.ID, dep),
					ActionID: n.action.ID,
					Err:      core.ErrUnknownDependency,
				}
			}
		}
		if key := n.action.OutputKey; key != "" {
			if other, dup := outputs[key]; dup {
				return &core.PlanValidationError{
					Reason:   fmt.Sprintf("actions %q and %q both publish output key %q", other, n.action.ID, key),
					ActionID: n.action.ID,
					Err:      core.ErrOutputKeyConflict,
				}
			}
			outputs[key] = n.action.ID
		}
	}
	if g.HasCycles() {
		return &core.PlanValidationError{
			Reason: core.ErrCycle.Error(),
			Cycle:  g.FindCycle(),
			Err:    core.ErrCycle,
		}
	}
	return nil
}

// CheckOutputKeys rejects actions whose output key has already been
// published, as reported by published.
func (g *Graph) CheckOutputKeys(published func(key string) bool) error {
	for _, n := range g.nodes {
		if key := n.action.OutputKey; key != "" && published(key) {
			return &core.PlanValidationError{
				Reason:   fmt.Sprintf("action %q publishes output key %q which is already set", n.action.ID, key),
				ActionID: n.action.ID,
				Err:      core.ErrOutputKeyConflict,
			}
		}
	}
	return nil
}

// HasCycles reports whether the depends_on edges contain a cycle, using
// Kahn's algorithm. Unknown dependencies are ignored.
func (g *Graph) HasCycles() bool {
	indegree := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		for _, dep := range n.action.DependsOn {
			if _, ok := g.index[dep]; ok {
				indegree[i]++
			}
		}
	}
	queue := make([]int, 0, len(g.nodes))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		visited++
		for _, j := range g.nodes[i].dependents {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	return visited != len(g.nodes)
}

// FindCycle returns one cycle as a path of ids whose first and last element
// are equal, or nil when the graph is acyclic. The search runs in insertion
// order so the result is deterministic.
func (g *Graph) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	path := make([]int, 0, len(g.nodes))

	var dfs func(i int) []string
	dfs = func(i int) []string {
		color[i] = grey
		path = append(path, i)
		for _, dep := range g.nodes[i].action.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case white:
				if cycle := dfs(j); cycle != nil {
					return cycle
				}
			case grey:
				start := 0
				for k, p := range path {
					if p == j {
						start = k
						break
					}
				}
				cycle := make([]string, 0, len(path)-start+1)
				for _, p := range path[start:] {
					cycle = append(cycle, g.nodes[p].action.ID)
				}
				return append(cycle, g.nodes[j].action.ID)
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		return nil
	}

	for i := range g.nodes {
		if color[i] == white {
			if cycle := dfs(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// GetReadyActions returns, in insertion order, every action not in
// completed whose depends_on ids are all in completed. Callers exclude
// actions that are already running or failed.
func (g *Graph) GetReadyActions(completed Set) []core.Action {
	var ready []core.Action
	for _, n := range g.nodes {
		if completed.Has(n.action.ID) {
			continue
		}
		if g.satisfied(n.action, completed) {
			ready = append(ready, n.action)
		}
	}
	return ready
}

func (g *Graph) satisfied(a core.Action, completed Set) bool {
	for _, dep := range a.DependsOn {
		if !completed.Has(dep) {
			return false
		}
	}
	return true
}

// Ancestors returns the ids of every transitive dependency of id, in
// insertion order.
func (g *Graph) Ancestors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.nodes))
	stack := []int{i}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range g.nodes[cur].action.DependsOn {
			if j, ok := g.index[dep]; ok && !seen[j] {
				seen[j] = true
				stack = append(stack, j)
			}
		}
	}
	var out []string
	for j, s := range seen {
		if s {
			out = append(out, g.nodes[j].action.ID)
		}
	}
	return out
}

// Levels groups action ids by dependency depth: level 0 has no
// dependencies, level n depends on something in level n-1. It returns
// core.ErrCycle for cyclic graphs.
func (g *Graph) Levels() ([][]string, error) {
	if g.HasCycles() {
		return nil, core.ErrCycle
	}
	depth := make([]int, len(g.nodes))
	done := make([]bool, len(g.nodes))
	var visit func(i int) int
	visit = func(i int) int {
		if done[i] {
			return depth[i]
		}
		d := 0
		for _, dep := range g.nodes[i].action.DependsOn {
			if j, ok := g.index[dep]; ok {
				if dd := visit(j) + 1; dd > d {
					d = dd
				}
			}
		}
		depth[i], done[i] = d, true
		return d
	}
	var levels [][]string
	for i := range g.nodes {
		d := visit(i)
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], g.nodes[i].action.ID)
	}
	return levels, nil
}
