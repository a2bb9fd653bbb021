package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/graph"
	"github.com/hupe1980/wavemesh/logging"
	"github.com/hupe1980/wavemesh/scheduler"
)

const (
	// DefaultMaxIters bounds the loop when no limit is configured.
	DefaultMaxIters = 10
	// DefaultGoalKey is the context key that signals the goal was reached.
	DefaultGoalKey = "goal_achieved"
)

// Termination reasons reported in termination and agent_completed events.
const (
	ReasonMaxIterations = "max_iterations"
	ReasonNoActions     = "no_actions_to_execute"
	ReasonGoalAchieved  = "goal_achieved"
	ReasonPredicate     = "predicate"
)

// Loop phases reported by LoopError.
const (
	PhasePlanning   = "planning"
	PhaseValidation = "validation"
)

// PlanRunner executes one validated plan. *scheduler.Scheduler implements it.
type PlanRunner interface {
	Run(ctx context.Context, plan *core.ExecutionPlan, g *graph.Graph, state *core.AgentExecutionState, sink core.EventSink) (*scheduler.Report, error)
}

// LoopAgent is the agent loop controller. Each iteration asks the planner
// for a plan, validates its graph, runs it through the scheduler and then
// decides whether to iterate again:
//
//	Initialized -> Running -> {Planning -> Executing -> Evaluating}* -> Completed | Failed | Cancelled
//
// Every scheduler event is forwarded unchanged to the sink. Exactly one
// agent_completed or agent_failed event ends the stream.
type LoopAgent struct {
	name             string
	description      string
	planner          core.Planner
	runner           PlanRunner
	maxIters         int
	interval         time.Duration
	goalKey          string
	predicate        func(*core.AgentExecutionState) bool
	delegationLimits map[core.ActionType]int
	logger           logging.Logger
}

// LoopOption configures a LoopAgent.
type LoopOption func(*LoopAgent)

// NewLoopAgent creates a loop controller around planner and runner.
// Defaults: 10 iterations, no interval, goal key "goal_achieved".
func NewLoopAgent(name string, planner core.Planner, runner PlanRunner, opts ...LoopOption) *LoopAgent {
	la := &LoopAgent{
		name:        name,
		description: fmt.Sprintf("Agent %s", name),
		planner:     planner,
		runner:      runner,
		maxIters:    DefaultMaxIters,
		goalKey:     DefaultGoalKey,
		logger:      logging.NoOpLogger{},
	}
	for _, o := range opts {
		o(la)
	}
	if la.maxIters < 1 {
		la.maxIters = DefaultMaxIters
	}
	if la.logger == nil {
		la.logger = logging.NoOpLogger{}
	}
	return la
}

// WithMaxIters sets the maximum number of iterations.
func WithMaxIters(n int) LoopOption {
	return func(l *LoopAgent) { l.maxIters = n }
}

// WithInterval sets a delay between iterations.
func WithInterval(d time.Duration) LoopOption {
	return func(l *LoopAgent) { l.interval = d }
}

// WithGoalKey changes the context key checked for the goal-achieved signal.
func WithGoalKey(key string) LoopOption {
	return func(l *LoopAgent) { l.goalKey = key }
}

// WithPredicate adds a custom stop condition evaluated after every
// iteration. Returning true ends the loop with reason "predicate".
//
// Example:
//
//	WithPredicate(func(s *core.AgentExecutionState) bool {
//	    return s.Has("report")
//	})
func WithPredicate(pred func(*core.AgentExecutionState) bool) LoopOption {
	return func(l *LoopAgent) { l.predicate = pred }
}

// WithDelegationLimits caps the number of calls per action type across the
// whole execution.
func WithDelegationLimits(max map[core.ActionType]int) LoopOption {
	return func(l *LoopAgent) { l.delegationLimits = max }
}

// WithDescription sets the agent description.
func WithDescription(desc string) LoopOption {
	return func(l *LoopAgent) { l.description = desc }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) LoopOption {
	return func(l *LoopAgent) { l.logger = logger }
}

// Name returns the agent name.
func (l *LoopAgent) Name() string { return l.name }

// Description returns the agent description.
func (l *LoopAgent) Description() string { return l.description }

// MaxIters returns the iteration limit.
func (l *LoopAgent) MaxIters() int { return l.maxIters }

// NewState creates a fresh execution state for this agent with the
// configured delegation limits applied.
func (l *LoopAgent) NewState(executionID string, input map[string]any) *core.AgentExecutionState {
	if executionID == "" {
		executionID = core.NewID()
	}
	return core.NewAgentExecutionState(executionID, l.name, input).WithDelegationLimits(l.delegationLimits)
}

// RestoreState rebuilds an execution state from a checkpoint with the
// configured delegation limits applied.
func (l *LoopAgent) RestoreState(snap core.StateSnapshot) *core.AgentExecutionState {
	return core.RestoreState(snap).WithDelegationLimits(l.delegationLimits)
}

// Result is the outcome of one Run.
type Result struct {
	ExecutionID string               `json:"execution_id"`
	Status      core.ExecutionStatus `json:"status"`
	Iterations  int                  `json:"iterations"`
	Reason      string               `json:"reason,omitempty"`
	Error       string               `json:"error,omitempty"`
	Context     map[string]any       `json:"context"`
	Delegations map[string]int       `json:"delegations,omitempty"`
	Duration    time.Duration        `json:"duration"`
}

// Summary converts r into the result mirrored into the registry.
func (r *Result) Summary() core.ExecutionResult {
	return core.ExecutionResult{Status: r.Status, Error: r.Error, Iterations: r.Iterations}
}

// Run drives state to a terminal status. A state restored from a
// checkpoint resumes after its last completed iteration.
//
// The returned error is a *core.LoopError for loop failures and wraps
// ctx.Err() on cancellation; action failures are never returned. The
// Result is always non-nil.
func (l *LoopAgent) Run(ctx context.Context, state *core.AgentExecutionState, sink core.EventSink) (*Result, error) {
	r := &loopRun{
		agent:  l,
		state:  state,
		sink:   sink,
		logger: logging.With(l.logger, "execution_id", state.ExecutionID(), "agent", l.name),
		start:  time.Now(),
	}
	return r.run(ctx)
}

type loopRun struct {
	agent  *LoopAgent
	state  *core.AgentExecutionState
	sink   core.EventSink
	logger logging.Logger
	start  time.Time
}

func (r *loopRun) emit(t core.EventType, payload map[string]any) {
	if r.sink == nil {
		return
	}
	e := core.NewStreamEvent(t, payload)
	e.ExecutionID = r.state.ExecutionID()
	e.AgentName = r.agent.name
	e.Iteration = r.state.Iteration()
	r.sink.Emit(e)
}

func (r *loopRun) run(ctx context.Context) (*Result, error) {
	l := r.agent
	r.state.SetStatus(core.StatusRunning)
	r.emit(core.EventAgentStarted, map[string]any{
		"max_iterations": l.maxIters,
		"resumed_at":     r.state.Iteration(),
	})
	r.logger.Info("Agent started", "max_iterations", l.maxIters)

	for {
		if err := ctx.Err(); err != nil {
			return r.cancelled(err)
		}

		iter := r.state.NextIteration()
		r.emit(core.EventIterationStarted, map[string]any{"max_iterations": l.maxIters})
		r.logger.Debug("Iteration started", "iteration", iter)

		r.state.SetStatus(core.StatusPlanning)
		plan, err := r.plan(ctx, iter)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx.Err())
			}
			return r.failed(err)
		}

		var report *scheduler.Report
		if len(plan.Actions) > 0 {
			r.state.SetStatus(core.StatusExecuting)
			var g *graph.Graph
			g, err = graph.Build(plan)
			if err == nil {
				err = g.CheckOutputKeys(r.state.Has)
			}
			if err != nil {
				return r.failed(&core.LoopError{Phase: PhaseValidation, Iteration: iter, Err: err})
			}
			r.emitPlan(plan)

			report, err = l.runner.Run(ctx, plan, g, r.state, r.sink)
			if err != nil {
				return r.cancelled(err)
			}
			if err := report.AwaitDetached(ctx); err != nil {
				return r.cancelled(err)
			}
		} else {
			r.emitPlan(plan)
		}

		r.state.SetStatus(core.StatusEvaluating)
		payload := map[string]any{"action_count": len(plan.Actions)}
		if report != nil {
			for k, v := range report.Payload() {
				payload[k] = v
			}
		}

		if reason := r.stopReason(iter, len(plan.Actions)); reason != "" {
			payload["reason"] = reason
			r.emit(core.EventTermination, payload)
			return r.completed(reason)
		}
		r.emit(core.EventIterationCompleted, payload)

		if l.interval > 0 {
			select {
			case <-ctx.Done():
				return r.cancelled(ctx.Err())
			case <-time.After(l.interval):
			}
		}
	}
}

// plan asks the planner for the iteration's plan. A nil plan or
// core.ErrEmptyPlan counts as a plan with zero actions.
func (r *loopRun) plan(ctx context.Context, iter int) (*core.ExecutionPlan, error) {
	l := r.agent
	plan, err := l.planner.GeneratePlan(ctx, l.name, iter, r.state.Context())
	if errors.Is(err, core.ErrEmptyPlan) {
		plan, err = nil, nil
	}
	if err != nil {
		return nil, &core.LoopError{Phase: PhasePlanning, Iteration: iter, Err: err}
	}
	if plan == nil {
		plan = &core.ExecutionPlan{}
	}
	plan.AgentName = l.name
	plan.Iteration = iter
	return plan, nil
}

func (r *loopRun) emitPlan(plan *core.ExecutionPlan) {
	r.emit(core.EventPlanGenerated, map[string]any{
		"action_count": len(plan.Actions),
		"actions":      plan.ActionIDs(),
		"max_parallel": plan.MaxParallel,
		"fail_fast":    plan.FailFast,
	})
}

func (r *loopRun) stopReason(iter, actions int) string {
	l := r.agent
	switch {
	case truthy(r.state.Get(l.goalKey)):
		return ReasonGoalAchieved
	case l.predicate != nil && l.predicate(r.state):
		return ReasonPredicate
	case actions == 0:
		return ReasonNoActions
	case iter >= l.maxIters:
		return ReasonMaxIterations
	}
	return ""
}

func truthy(v any, ok bool) bool {
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	}
	return true
}

func (r *loopRun) result(status core.ExecutionStatus, reason string, err error) *Result {
	res := &Result{
		ExecutionID: r.state.ExecutionID(),
		Status:      status,
		Iterations:  r.state.Iteration(),
		Reason:      reason,
		Context:     r.state.Context(),
		Delegations: r.state.Delegations(),
		Duration:    time.Since(r.start),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (r *loopRun) completed(reason string) (*Result, error) {
	r.state.SetStatus(core.StatusCompleted)
	res := r.result(core.StatusCompleted, reason, nil)
	r.emit(core.EventAgentCompleted, map[string]any{
		"status":      string(res.Status),
		"reason":      reason,
		"iterations":  res.Iterations,
		"delegations": res.Delegations,
		"duration_ms": res.Duration.Milliseconds(),
	})
	r.logger.Info("Agent completed", "reason", reason, "iterations", res.Iterations, "duration", res.Duration)
	return res, nil
}

func (r *loopRun) failed(err error) (*Result, error) {
	r.state.SetStatus(core.StatusFailed)
	res := r.result(core.StatusFailed, "", err)

	errorType := core.ErrorTypeLoopFailure
	var pve *core.PlanValidationError
	if errors.As(err, &pve) {
		errorType = core.ErrorTypePlanValidation
	}
	payload := map[string]any{
		"status":     string(res.Status),
		"error":      res.Error,
		"error_type": errorType,
		"iterations": res.Iterations,
	}
	var le *core.LoopError
	if errors.As(err, &le) {
		payload["phase"] = le.Phase
	}
	r.emit(core.EventAgentFailed, payload)
	r.logger.Error("Agent failed", "error", err, "iterations", res.Iterations)
	return res, err
}

func (r *loopRun) cancelled(cause error) (*Result, error) {
	r.state.SetStatus(core.StatusCancelled)
	err := fmt.Errorf("agent %s cancelled: %w", r.agent.name, cause)
	res := r.result(core.StatusCancelled, "", err)
	r.emit(core.EventAgentFailed, map[string]any{
		"status":     string(res.Status),
		"error":      res.Error,
		"error_type": core.ErrorTypeCancelled,
		"iterations": res.Iterations,
	})
	r.logger.Warn("Agent cancelled", "iterations", res.Iterations)
	return res, err
}
