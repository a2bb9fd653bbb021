package testutil

import (
	"time"

	"github.com/hupe1980/wavemesh/core"
)

// ActionBuilder provides a fluent helper for constructing actions in tests.
// Example:
//
//	a := Action("fetch").Target("http").DependsOn("auth").Output("page").Build()
//
// Chain only the parts you need; the type defaults to tool and the target to the id.
type ActionBuilder struct {
	a core.Action
}

// Action starts a tool action with the given id.
func Action(id string) *ActionBuilder {
	return &ActionBuilder{a: core.Action{ID: id, Type: core.ActionTypeTool, Target: id}}
}

// Name sets the display name (chainable).
func (b *ActionBuilder) Name(n string) *ActionBuilder { b.a.Name = n; return b }

// Type sets the action type (chainable).
func (b *ActionBuilder) Type(t core.ActionType) *ActionBuilder { b.a.Type = t; return b }

// Mode sets the execution mode (chainable).
func (b *ActionBuilder) Mode(m core.ExecutionMode) *ActionBuilder { b.a.Mode = m; return b }

// Target sets the collaborator target (chainable).
func (b *ActionBuilder) Target(t string) *ActionBuilder { b.a.Target = t; return b }

// Param sets one parameter (chainable).
func (b *ActionBuilder) Param(k string, v any) *ActionBuilder {
	if b.a.Parameters == nil {
		b.a.Parameters = map[string]any{}
	}
	b.a.Parameters[k] = v
	return b
}

// DependsOn appends dependencies (chainable).
func (b *ActionBuilder) DependsOn(ids ...string) *ActionBuilder {
	b.a.DependsOn = append(b.a.DependsOn, ids...)
	return b
}

// Output sets the output key (chainable).
func (b *ActionBuilder) Output(key string) *ActionBuilder { b.a.OutputKey = key; return b }

// Timeout sets the timeout (chainable).
func (b *ActionBuilder) Timeout(d time.Duration) *ActionBuilder { b.a.Timeout = core.Duration(d); return b }

// SkipOnError marks the action as non-propagating on failure (chainable).
func (b *ActionBuilder) SkipOnError() *ActionBuilder { b.a.SkipOnError = true; return b }

// Build returns the action value.
func (b *ActionBuilder) Build() core.Action { return b.a }

// PlanBuilder provides a fluent helper for constructing plans in tests.
type PlanBuilder struct {
	p core.ExecutionPlan
}

// Plan starts a plan for agent with max_parallel 4 at iteration 1.
func Plan(agent string) *PlanBuilder {
	return &PlanBuilder{p: core.ExecutionPlan{AgentName: agent, Iteration: 1, MaxParallel: 4}}
}

// Iteration sets the iteration (chainable).
func (b *PlanBuilder) Iteration(n int) *PlanBuilder { b.p.Iteration = n; return b }

// MaxParallel sets the concurrency cap (chainable).
func (b *PlanBuilder) MaxParallel(n int) *PlanBuilder { b.p.MaxParallel = n; return b }

// FailFast enables fail-fast (chainable).
func (b *PlanBuilder) FailFast() *PlanBuilder { b.p.FailFast = true; return b }

// Add appends actions (chainable).
func (b *PlanBuilder) Add(actions ...*ActionBuilder) *PlanBuilder {
	for _, a := range actions {
		b.p.Actions = append(b.p.Actions, a.Build())
	}
	return b
}

// Build returns a pointer to a copy of the plan.
func (b *PlanBuilder) Build() *core.ExecutionPlan {
	p := b.p
	p.Actions = append([]core.Action(nil), b.p.Actions...)
	return &p
}
