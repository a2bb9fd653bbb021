// Package workflow runs workflow actions: named sub-plans executed through
// a nested scheduler run over a fresh state seeded with the action's
// parameters. The action output is the sub-plan's final context.
package workflow

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/graph"
	"github.com/hupe1980/wavemesh/logging"
	"github.com/hupe1980/wavemesh/scheduler"
)

// DefaultMaxDepth bounds nesting when none is configured.
const DefaultMaxDepth = 3

// Runner executes one validated plan. *scheduler.Scheduler implements it.
type Runner interface {
	Run(ctx context.Context, plan *core.ExecutionPlan, g *graph.Graph, state *core.AgentExecutionState, sink core.EventSink) (*scheduler.Report, error)
}

// RegistrySink records workflow executions. *registry.Registry implements it.
type RegistrySink interface {
	RegisterExecution(req core.ExecutionRequest) string
	MarkRunning(id string) error
	UpdateExecution(id string, result core.ExecutionResult) error
}

// Options configure an Executor.
type Options struct {
	// MaxDepth bounds nested delegation. A workflow action running at
	// depth MaxDepth or deeper fails with core.ErrDelegationLimit.
	MaxDepth int
	// Registry receives one summary per workflow run. Optional.
	Registry RegistrySink
	Logger   logging.Logger
}

// Executor holds named workflows and implements core.Executor for workflow
// actions.
type Executor struct {
	runner Runner
	opts   Options

	mu        sync.RWMutex
	workflows map[string]*core.ExecutionPlan
}

// New creates an Executor that runs sub-plans through runner.
//
// The runner usually dispatches through the same dispatcher the executor
// is registered with, so workflows may contain workflow actions:
//
//	d := dispatch.New()
//	s := scheduler.New(d)
//	d.MustRegister(core.ActionTypeWorkflow, workflow.New(s))
func New(runner Runner, optFns ...func(o *Options)) *Executor {
	opts := Options{MaxDepth: DefaultMaxDepth, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxDepth < 1 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Executor{runner: runner, opts: opts, workflows: map[string]*core.ExecutionPlan{}}
}

// Register validates plan and stores it under name.
func (e *Executor) Register(name string, plan *core.ExecutionPlan) error {
	if err := core.ValidatePlan(plan); err != nil {
		return fmt.Errorf("workflow %s: %w", name, err)
	}
	if _, err := graph.Build(plan); err != nil {
		return fmt.Errorf("workflow %s: %w", name, err)
	}
	cp := *plan
	cp.Actions = append([]core.Action(nil), plan.Actions...)
	if cp.AgentName == "" {
		cp.AgentName = name
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = &cp
	return nil
}

// Names returns the registered workflow names, sorted.
func (e *Executor) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) get(name string) (*core.ExecutionPlan, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.workflows[name]
	return p, ok
}

// Execute implements core.Executor. Any failed or cancelled action fails the
// workflow action.
func (e *Executor) Execute(ctx context.Context, target string, params map[string]any) (any, error) {
	info, _ := core.ActionInfoFromContext(ctx)
	if info.Depth >= e.opts.MaxDepth {
		return nil, fmt.Errorf("%w: workflow %q at depth %d", core.ErrDelegationLimit, target, info.Depth+1)
	}
	plan, ok := e.get(target)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", target)
	}

	id := e.register(target, params)
	logger := logging.With(e.opts.Logger, "workflow", target, "execution_id", id, "parent_execution_id", info.ExecutionID)

	state := core.NewAgentExecutionState(id, plan.AgentName, params)
	state.SetStatus(core.StatusExecuting)
	e.markRunning(id, logger)

	g, err := graph.Build(plan)
	if err != nil {
		return nil, e.finish(id, state, core.StatusFailed, err, logger)
	}

	nested := core.WithActionInfo(ctx, core.ActionInfo{
		ExecutionID: id,
		AgentName:   plan.AgentName,
		ActionID:    info.ActionID,
		ActionName:  info.ActionName,
		Type:        core.ActionTypeWorkflow,
		Depth:       info.Depth + 1,
	})
	sink := core.EventSinkFunc(func(ev core.StreamEvent) {
		logger.Debug("Workflow event", "event_type", string(ev.Type), "action_id", ev.ActionID)
	})

	report, err := e.runner.Run(nested, plan, g, state, sink)
	if err != nil {
		return nil, e.finish(id, state, core.StatusCancelled, err, logger)
	}
	if err := report.AwaitDetached(ctx); err != nil {
		return nil, e.finish(id, state, core.StatusCancelled, err, logger)
	}
	if report.HasFailures() {
		failed := append(append([]string(nil), report.Failed...), report.Cancelled...)
		err := fmt.Errorf("workflow %s: actions failed: %s", target, strings.Join(failed, ", "))
		return nil, e.finish(id, state, core.StatusFailed, err, logger)
	}

	_ = e.finish(id, state, core.StatusCompleted, nil, logger)
	return state.Context(), nil
}

func (e *Executor) register(name string, params map[string]any) string {
	if e.opts.Registry == nil {
		return core.NewID()
	}
	return e.opts.Registry.RegisterExecution(core.ExecutionRequest{
		EntityType: core.EntityWorkflow,
		EntityName: name,
		Input:      params,
	})
}

func (e *Executor) markRunning(id string, logger logging.Logger) {
	if e.opts.Registry == nil {
		return
	}
	if err := e.opts.Registry.MarkRunning(id); err != nil {
		logger.Warn("Registry update failed", "error", err)
	}
}

// finish records the terminal status and returns err.
func (e *Executor) finish(id string, state *core.AgentExecutionState, status core.ExecutionStatus, err error, logger logging.Logger) error {
	state.SetStatus(status)
	logger.Debug("Workflow finished", "status", string(status))
	if e.opts.Registry == nil {
		return err
	}
	res := core.ExecutionResult{Status: status, Iterations: 1}
	if err != nil {
		res.Error = err.Error()
	}
	if uerr := e.opts.Registry.UpdateExecution(id, res); uerr != nil {
		logger.Warn("Registry update failed", "error", uerr)
	}
	return err
}

// File is the on-disk form of a workflow collection.
type File struct {
	Workflows map[string]core.ExecutionPlan `yaml:"workflows" json:"workflows"`
}

// Load decodes a YAML or JSON workflow file and registers every workflow.
func (e *Executor) Load(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode workflows: %w", err)
	}
	names := make([]string, 0, len(f.Workflows))
	for name := range f.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		plan := f.Workflows[name]
		if err := e.Register(name, &plan); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads path and calls Load.
func (e *Executor) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return e.Load(data)
}
