package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

// DefaultPlannerPrompt instructs the model to answer with a plan.
const DefaultPlannerPrompt = `You plan the next iteration of an agent as a dependency graph of actions.
Answer with a single JSON object and nothing else:
{"max_parallel": <int>, "actions": [{"id": "...", "type": "tool|agent|relic|model|workflow",
"target": "...", "parameters": {...}, "depends_on": ["..."], "output_key": "...",
"mode": "sync|async|fire_and_forget", "timeout": "30s"}]}
Reference earlier outputs as "$output_key" parameter values. Answer with an
empty action list when the goal is reached.`

// PlannerOptions configure a Planner.
type PlannerOptions struct {
	// System is the system prompt. Defaults to DefaultPlannerPrompt.
	System string
	// Capabilities describes the available targets, e.g. tool descriptors.
	// It is sent as JSON alongside the context.
	Capabilities any
	Logger       logging.Logger
}

// Planner asks a model for the next plan and decodes its JSON answer. It
// only adapts the model; the planning itself is the model's job.
type Planner struct {
	model Model
	opts  PlannerOptions
}

// NewPlanner creates a model backed planner.
func NewPlanner(m Model, optFns ...func(o *PlannerOptions)) *Planner {
	opts := PlannerOptions{
		System: DefaultPlannerPrompt,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Planner{model: m, opts: opts}
}

type planPrompt struct {
	Agent        string         `json:"agent"`
	Iteration    int            `json:"iteration"`
	Context      map[string]any `json:"context"`
	Capabilities any            `json:"capabilities,omitempty"`
}

// GeneratePlan implements core.Planner.
func (p *Planner) GeneratePlan(ctx context.Context, agentName string, iteration int, c map[string]any) (*core.ExecutionPlan, error) {
	body, err := json.Marshal(planPrompt{Agent: agentName, Iteration: iteration, Context: c, Capabilities: p.opts.Capabilities})
	if err != nil {
		return nil, fmt.Errorf("encode planning context: %w", err)
	}

	resp, err := Complete(ctx, p.model, Prompt(p.opts.System, string(body)))
	if err != nil {
		return nil, fmt.Errorf("planning model: %w", err)
	}

	plan, err := DecodePlan(resp.Text)
	if err != nil {
		p.opts.Logger.Warn("Undecodable plan", "agent", agentName, "iteration", iteration, "error", err)
		return nil, err
	}
	plan.AgentName = agentName
	plan.Iteration = iteration
	if err := core.ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// DecodePlan extracts the JSON object from a model answer, tolerating code
// fences and surrounding prose.
func DecodePlan(text string) (*core.ExecutionPlan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in model answer", core.ErrInvalidPlan)
	}
	var plan core.ExecutionPlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPlan, err)
	}
	return &plan, nil
}
