package agent

import (
	"context"

	"github.com/hupe1980/wavemesh/core"
)

// StaticPlanner returns a copy of the same plan on every iteration.
type StaticPlanner struct {
	plan *core.ExecutionPlan
}

// NewStaticPlanner creates a StaticPlanner for plan.
func NewStaticPlanner(plan *core.ExecutionPlan) *StaticPlanner {
	return &StaticPlanner{plan: plan}
}

// GeneratePlan implements core.Planner.
func (p *StaticPlanner) GeneratePlan(_ context.Context, _ string, _ int, _ map[string]any) (*core.ExecutionPlan, error) {
	return clonePlan(p.plan), nil
}

// SequencePlanner returns plan i for iteration i+1 and reports
// core.ErrEmptyPlan once the plans are used up. It holds no per-execution
// state, so many executions can share it.
type SequencePlanner struct {
	plans []*core.ExecutionPlan
}

// NewSequencePlanner creates a SequencePlanner.
func NewSequencePlanner(plans ...*core.ExecutionPlan) *SequencePlanner {
	return &SequencePlanner{plans: plans}
}

// NewPlanSetPlanner creates a SequencePlanner over the plans of set.
func NewPlanSetPlanner(set *core.PlanSet) *SequencePlanner {
	plans := make([]*core.ExecutionPlan, len(set.Plans))
	for i := range set.Plans {
		plans[i] = &set.Plans[i]
	}
	return NewSequencePlanner(plans...)
}

// GeneratePlan implements core.Planner. A resumed execution continues
// with the plan after its last completed iteration.
func (p *SequencePlanner) GeneratePlan(_ context.Context, _ string, iteration int, _ map[string]any) (*core.ExecutionPlan, error) {
	idx := iteration - 1
	if idx < 0 || idx >= len(p.plans) {
		return nil, core.ErrEmptyPlan
	}
	return clonePlan(p.plans[idx]), nil
}

// Len returns the number of plans.
func (p *SequencePlanner) Len() int { return len(p.plans) }

func clonePlan(p *core.ExecutionPlan) *core.ExecutionPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Actions = make([]core.Action, len(p.Actions))
	for i, a := range p.Actions {
		a.DependsOn = append([]string(nil), a.DependsOn...)
		if a.Parameters != nil {
			params := make(map[string]any, len(a.Parameters))
			for k, v := range a.Parameters {
				params[k] = v
			}
			a.Parameters = params
		}
		out.Actions[i] = a
	}
	return &out
}
