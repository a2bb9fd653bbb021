// Package wavemesh wires the scheduler, the per-type executors and the
// engine into one host. Most applications:
//  1. Create a Mesh via New() (optionally overriding the in-memory defaults)
//  2. Register agents, usually plan-replaying or model-planned loop agents
//  3. Invoke them asynchronously (Invoke) or synchronously (InvokeSync)
//
// Tool, relic, model, workflow and agent actions are all dispatched through
// the same dispatcher, so plans may nest workflows and delegate to agents.
package wavemesh

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/wavemesh/agent"
	"github.com/hupe1980/wavemesh/checkpoint"
	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/dispatch"
	"github.com/hupe1980/wavemesh/engine"
	"github.com/hupe1980/wavemesh/logging"
	"github.com/hupe1980/wavemesh/model"
	"github.com/hupe1980/wavemesh/registry"
	"github.com/hupe1980/wavemesh/relic"
	"github.com/hupe1980/wavemesh/scheduler"
	"github.com/hupe1980/wavemesh/tool"
	"github.com/hupe1980/wavemesh/workflow"
)

// Options configures a Mesh.
type Options struct {
	// EngineConfig bounds concurrent invocations, event buffers and
	// delegation depth.
	EngineConfig engine.Config

	// DefaultMaxParallel is used for plans that leave max_parallel at 0.
	DefaultMaxParallel int
	// DefaultTimeout applies to actions without their own timeout.
	DefaultTimeout time.Duration
	// RateLimits throttles dispatch per action type.
	RateLimits map[core.ActionType]dispatch.RateLimit

	// Tools defaults to tool.Builtins().
	Tools []tool.Tool
	// Relics are served in process; RemoteRelics, when set, handles the
	// names not found locally (e.g. a relic.MQTTExecutor).
	Relics       map[string]relic.Relic
	RemoteRelics core.Executor
	// Model is the default model for model actions. Defaults to a mock.
	Model model.Model

	// Registry defaults to an in-memory registry without metrics.
	Registry *registry.Registry
	// Checkpoints defaults to an in-memory store. Use NoCheckpoints to
	// disable checkpointing.
	Checkpoints checkpoint.Store
	NoCheckpoints bool
	Callbacks     *engine.CallbackManager

	Logger logging.Logger
}

// Mesh is the high-level host aggregating engine, scheduler and executors.
type Mesh struct {
	opts Options

	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	engine     *engine.Engine
	registry   *registry.Registry
	tools      *tool.Set
	relics     *relic.Table
	models     *model.Executor
	workflows  *workflow.Executor
}

// New creates a Mesh. Unset services get in-memory implementations.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		EngineConfig:       engine.DefaultConfig,
		DefaultMaxParallel: scheduler.DefaultMaxParallel,
		DefaultTimeout:     dispatch.DefaultTimeout,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Tools == nil {
		opts.Tools = tool.Builtins()
	}
	if opts.Model == nil {
		opts.Model = model.NewMockModel("mock")
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(func(o *registry.Options) { o.Logger = opts.Logger })
	}
	if opts.Checkpoints == nil && !opts.NoCheckpoints {
		opts.Checkpoints = checkpoint.NewInMemoryStore()
	}

	m := &Mesh{
		opts:     opts,
		registry: opts.Registry,
		tools:    tool.NewSet(opts.Tools...),
		relics:   relic.NewTable(opts.RemoteRelics),
		models:   model.NewExecutor(opts.Model),
	}
	for name, r := range opts.Relics {
		m.relics.Register(name, r)
	}

	m.dispatcher = dispatch.New(func(o *dispatch.Options) {
		o.DefaultTimeout = opts.DefaultTimeout
		o.RateLimits = opts.RateLimits
		o.Logger = opts.Logger
	})
	m.scheduler = scheduler.New(m.dispatcher, func(o *scheduler.Options) {
		o.DefaultMaxParallel = opts.DefaultMaxParallel
		o.Logger = opts.Logger
	})
	m.workflows = workflow.New(m.scheduler, func(o *workflow.Options) {
		o.MaxDepth = opts.EngineConfig.MaxDelegationDepth
		o.Registry = m.registry
		o.Logger = opts.Logger
	})
	m.engine = engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Registry = m.registry
		if opts.Checkpoints != nil {
			o.Checkpoints = opts.Checkpoints
		}
		o.Callbacks = opts.Callbacks
		o.Logger = opts.Logger
	})

	m.dispatcher.
		MustRegister(core.ActionTypeTool, m.tools).
		MustRegister(core.ActionTypeRelic, m.relics).
		MustRegister(core.ActionTypeModel, m.models).
		MustRegister(core.ActionTypeWorkflow, m.workflows).
		MustRegister(core.ActionTypeAgent, m.engine.AgentExecutor())
	return m
}

// Engine returns the underlying engine.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Registry returns the execution registry.
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Scheduler returns the scheduler shared by all agents and workflows.
func (m *Mesh) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Workflows returns the workflow executor for registering sub-plans.
func (m *Mesh) Workflows() *workflow.Executor { return m.workflows }

// Tools returns the tool set, e.g. to describe it to a model planner.
func (m *Mesh) Tools() *tool.Set { return m.tools }

// AddTool makes t callable by tool actions.
func (m *Mesh) AddTool(t tool.Tool) { m.tools.Add(t) }

// AddRelic makes r callable by relic actions under name.
func (m *Mesh) AddRelic(name string, r relic.Relic) { m.relics.Register(name, r) }

// AddModel makes md callable by model actions targeting name.
func (m *Mesh) AddModel(name string, md model.Model) { m.models.Add(name, md) }

// RegisterAgent adds an agent to the engine.
func (m *Mesh) RegisterAgent(a engine.Agent) { m.engine.Register(a) }

// NewLoopAgent creates and registers a loop agent running on the mesh's
// scheduler.
func (m *Mesh) NewLoopAgent(name string, planner core.Planner, opts ...agent.LoopOption) *agent.LoopAgent {
	a := agent.NewLoopAgent(name, planner, m.scheduler, append([]agent.LoopOption{agent.WithLogger(m.opts.Logger)}, opts...)...)
	m.engine.Register(a)
	return a
}

// RegisterPlans registers an agent replaying the plans of set, one per
// iteration, and returns its name.
func (m *Mesh) RegisterPlans(set *core.PlanSet, opts ...agent.LoopOption) string {
	name := set.Agent
	if name == "" {
		name = "default"
	}
	m.NewLoopAgent(name, agent.NewPlanSetPlanner(set), opts...)
	return name
}

// Invoke starts an execution of agentName. See engine.Engine.Invoke.
func (m *Mesh) Invoke(ctx context.Context, agentName string, input map[string]any) (string, <-chan core.StreamEvent, <-chan error, error) {
	return m.engine.Invoke(ctx, agentName, input)
}

// InvokeSync runs agentName to completion and returns every event.
func (m *Mesh) InvokeSync(ctx context.Context, agentName string, input map[string]any) (string, []core.StreamEvent, error) {
	return m.engine.InvokeSync(ctx, agentName, input)
}

// Resume continues an execution from its last checkpoint.
func (m *Mesh) Resume(ctx context.Context, executionID string) (string, <-chan core.StreamEvent, <-chan error, error) {
	return m.engine.Resume(ctx, executionID)
}

// Stop cancels a running execution.
func (m *Mesh) Stop(executionID string) error { return m.engine.StopInvocation(executionID) }

// Shutdown stops the engine and closes the checkpoint store.
func (m *Mesh) Shutdown(ctx context.Context) error {
	err := m.engine.Shutdown(ctx)
	if m.opts.Checkpoints != nil {
		err = errors.Join(err, m.opts.Checkpoints.Close())
	}
	return err
}
