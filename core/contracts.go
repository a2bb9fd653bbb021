package core

import "context"

// Planner produces the plan for one iteration of an agent.
type Planner interface {
	GeneratePlan(ctx context.Context, agentName string, iteration int, context map[string]any) (*ExecutionPlan, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, agentName string, iteration int, context map[string]any) (*ExecutionPlan, error)

// GeneratePlan implements Planner.
func (f PlannerFunc) GeneratePlan(ctx context.Context, agentName string, iteration int, c map[string]any) (*ExecutionPlan, error) {
	return f(ctx, agentName, iteration, c)
}

// Executor performs the actions of one action type. Target identifies the
// collaborator (tool name, agent name, relic id, model name, workflow name);
// params have already been resolved against the execution context.
type Executor interface {
	Execute(ctx context.Context, target string, params map[string]any) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, target string, params map[string]any) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, target string, params map[string]any) (any, error) {
	return f(ctx, target, params)
}

// ActionInfo identifies the action an executor is running for.
type ActionInfo struct {
	ExecutionID string
	AgentName   string
	Iteration   int
	ActionID    string
	ActionName  string
	Type        ActionType
	// Depth is the delegation depth; nested agents and workflows run at Depth+1.
	Depth int
}

type actionInfoKey struct{}

// WithActionInfo returns a copy of ctx carrying info.
func WithActionInfo(ctx context.Context, info ActionInfo) context.Context {
	return context.WithValue(ctx, actionInfoKey{}, info)
}

// ActionInfoFromContext returns the ActionInfo stored in ctx.
func ActionInfoFromContext(ctx context.Context) (ActionInfo, bool) {
	info, ok := ctx.Value(actionInfoKey{}).(ActionInfo)
	return info, ok
}
