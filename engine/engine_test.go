package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/agent"
	"github.com/hupe1980/wavemesh/checkpoint"
	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/dispatch"
	tu "github.com/hupe1980/wavemesh/internal/testutil"
	"github.com/hupe1980/wavemesh/registry"
	"github.com/hupe1980/wavemesh/scheduler"
)

var _ Agent = (*agent.LoopAgent)(nil)
var _ RegistrySink = (*registry.Registry)(nil)

type fixture struct {
	engine *Engine
	reg    *registry.Registry
	store  *checkpoint.InMemoryStore
	exec   *tu.ScriptedExecutor
	runner *scheduler.Scheduler
}

func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()
	f := &fixture{
		reg:   registry.New(),
		store: checkpoint.NewInMemoryStore(),
		exec:  tu.NewScriptedExecutor(),
	}
	f.engine = New(append([]func(o *Options){func(o *Options) {
		o.Registry = f.reg
		o.Checkpoints = f.store
	}}, optFns...)...)

	d := dispatch.New().
		MustRegister(core.ActionTypeTool, f.exec).
		MustRegister(core.ActionTypeAgent, f.engine.AgentExecutor())
	f.runner = scheduler.New(d)
	t.Cleanup(func() { _ = f.engine.Shutdown(context.Background()) })
	return f
}

func (f *fixture) register(name string, planner core.Planner, opts ...agent.LoopOption) {
	f.engine.Register(agent.NewLoopAgent(name, planner, f.runner, opts...))
}

func lastEvent(t *testing.T, events []core.StreamEvent) core.StreamEvent {
	t.Helper()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestInvokeUnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, _, _, err := f.engine.Invoke(context.Background(), "nobody", nil)
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestInvokeStreamsAndRecords(t *testing.T) {
	f := newFixture(t)
	f.exec.On("search", tu.Step{Output: "found"})
	plan := tu.Plan("researcher").Add(tu.Action("search").Output("hits")).Build()
	f.register("researcher", agent.NewStaticPlanner(plan), agent.WithMaxIters(1))

	id, events, err := f.engine.InvokeSync(context.Background(), "researcher", map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, core.EventAgentStarted, events[0].Type)
	assert.Equal(t, core.EventAgentCompleted, lastEvent(t, events).Type)
	for _, ev := range events {
		assert.Equal(t, id, ev.ExecutionID)
	}

	s, err := f.reg.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, s.Status)
	assert.Equal(t, core.EntityAgent, s.EntityType)
	assert.Equal(t, "researcher", s.EntityName)
	assert.Equal(t, 1, s.Iterations)

	// completed executions leave no checkpoint behind
	_, err = f.store.Load(context.Background(), id)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.Empty(t, f.engine.ActiveInvocations())
}

func TestStopInvocation(t *testing.T) {
	f := newFixture(t)
	f.exec.On("hang", tu.Step{Block: true})
	f.register("researcher", agent.NewStaticPlanner(tu.Plan("researcher").Add(tu.Action("hang")).Build()))

	id, events, errs, err := f.engine.Invoke(context.Background(), "researcher", nil)
	require.NoError(t, err)

	var collected []core.StreamEvent
	for ev := range events {
		collected = append(collected, ev)
		if ev.Type == core.EventActionStarted {
			assert.Contains(t, f.engine.ActiveInvocations(), id)
			require.NoError(t, f.engine.StopInvocation(id))
		}
	}
	require.ErrorIs(t, <-errs, context.Canceled)

	final := lastEvent(t, collected)
	assert.Equal(t, core.EventAgentFailed, final.Type)
	assert.Equal(t, core.ErrorTypeCancelled, final.Str("error_type"))

	s, err := f.reg.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, s.Status)

	assert.ErrorIs(t, f.engine.StopInvocation(id), core.ErrExecutionNotFound)
}

func TestResumeFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.exec.On("step", tu.Step{Output: "ok"})

	var broken atomic.Bool
	planner := core.PlannerFunc(func(_ context.Context, agentName string, iteration int, _ map[string]any) (*core.ExecutionPlan, error) {
		if iteration == 2 && broken.Load() {
			return nil, errors.New("planner unavailable")
		}
		return tu.Plan(agentName).Iteration(iteration).Add(tu.Action("step")).Build(), nil
	})
	f.register("researcher", planner, agent.WithMaxIters(2))

	broken.Store(true)
	id, _, err := f.engine.InvokeSync(context.Background(), "researcher", map[string]any{"topic": "go"})
	require.Error(t, err)

	snap, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Iteration)
	s, _ := f.reg.GetExecution(id)
	assert.Equal(t, core.StatusFailed, s.Status)

	broken.Store(false)
	resumedID, events, errs, err := f.engine.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, resumedID)

	collected := tu.Drain(events)
	require.NoError(t, <-errs)
	assert.Equal(t, core.EventAgentCompleted, lastEvent(t, collected).Type)
	assert.Equal(t, 1, tu.Count(collected, core.EventIterationStarted))
	assert.Equal(t, 2, tu.OfType(collected, core.EventIterationStarted)[0].Iteration)

	s, _ = f.reg.GetExecution(id)
	assert.Equal(t, core.StatusCompleted, s.Status)
	assert.Equal(t, 2, s.Iterations)
	_, err = f.store.Load(context.Background(), id)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestBeforeAgentCallbackRejects(t *testing.T) {
	f := newFixture(t)
	f.register("researcher", agent.NewStaticPlanner(tu.Plan("researcher").Add(tu.Action("a")).Build()))

	var after atomic.Int32
	f.engine.Callbacks().RegisterCallback(NewFunctionCallback(CallbackBeforeAgent, func(context.Context, *CallbackContext) error {
		return errors.New("quota exhausted")
	}))
	f.engine.Callbacks().RegisterCallback(NewFunctionCallback(CallbackAfterAgent, func(_ context.Context, cc *CallbackContext) error {
		after.Add(1)
		assert.Equal(t, core.StatusFailed, cc.Result.Status)
		return nil
	}))

	id, events, err := f.engine.InvokeSync(context.Background(), "researcher", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exhausted")

	require.Len(t, events, 1)
	assert.Equal(t, core.EventAgentFailed, events[0].Type)
	assert.Empty(t, f.exec.Calls())
	assert.Equal(t, int32(1), after.Load())

	s, _ := f.reg.GetExecution(id)
	assert.Equal(t, core.StatusFailed, s.Status)
}

func TestIterationCallbacks(t *testing.T) {
	f := newFixture(t)
	f.register("researcher", agent.NewStaticPlanner(tu.Plan("researcher").Add(tu.Action("a")).Build()), agent.WithMaxIters(3))

	var iterations, seen atomic.Int32
	f.engine.Callbacks().RegisterCallback(NewFunctionCallback(CallbackAfterIteration, func(context.Context, *CallbackContext) error {
		iterations.Add(1)
		return nil
	}))
	f.engine.Callbacks().RegisterCallback(NewFunctionCallback(CallbackOnEvent, func(context.Context, *CallbackContext) error {
		seen.Add(1)
		return nil
	}))

	_, events, err := f.engine.InvokeSync(context.Background(), "researcher", nil)
	require.NoError(t, err)
	// the last iteration terminates instead of completing
	assert.Equal(t, int32(2), iterations.Load())
	assert.Equal(t, int32(len(events)), seen.Load())
}

func TestAgentDelegation(t *testing.T) {
	f := newFixture(t)
	f.exec.On("write", tu.Step{Output: "hello"})
	f.register("writer", agent.NewStaticPlanner(tu.Plan("writer").Add(tu.Action("write").Output("text")).Build()), agent.WithMaxIters(1))
	lead := tu.Plan("lead").Add(
		tu.Action("delegate").Type(core.ActionTypeAgent).Target("writer").Param("topic", "go").Output("draft"),
	).Build()
	f.register("lead", agent.NewStaticPlanner(lead), agent.WithMaxIters(1))

	id, events, err := f.engine.InvokeSync(context.Background(), "lead", nil)
	require.NoError(t, err)
	assert.Equal(t, core.EventAgentCompleted, lastEvent(t, events).Type)
	// nested events stay internal
	assert.Equal(t, 1, tu.Count(events, core.EventAgentStarted))

	completed := tu.OfType(events, core.EventActionCompleted)
	require.Len(t, completed, 1)

	nested := f.reg.ListExecutions(registry.Filter{EntityName: "writer"})
	require.Len(t, nested, 1)
	assert.Equal(t, core.StatusCompleted, nested[0].Status)
	assert.NotEqual(t, id, nested[0].ExecutionID)
}

func TestAgentExecutorDepthLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.MaxDelegationDepth = 2 })
	f.register("writer", agent.NewStaticPlanner(tu.Plan("writer").Build()))

	ctx := core.WithActionInfo(context.Background(), core.ActionInfo{Depth: 2})
	_, err := f.engine.AgentExecutor().Execute(ctx, "writer", nil)
	assert.ErrorIs(t, err, core.ErrDelegationLimit)

	_, err = f.engine.AgentExecutor().Execute(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestShutdownRejectsNewInvocations(t *testing.T) {
	f := newFixture(t)
	f.exec.On("hang", tu.Step{Block: true})
	f.register("researcher", agent.NewStaticPlanner(tu.Plan("researcher").Add(tu.Action("hang")).Build()))

	_, events, errs, err := f.engine.Invoke(context.Background(), "researcher", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { tu.Drain(events) }()
	require.NoError(t, f.engine.Shutdown(ctx))
	assert.ErrorIs(t, <-errs, context.Canceled)

	_, _, _, err = f.engine.Invoke(context.Background(), "researcher", nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestConcurrencyLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.MaxConcurrentInvocations = 1 })
	release := make(chan struct{})
	f.exec.On("gate", tu.Step{Release: release})
	f.register("researcher", agent.NewStaticPlanner(tu.Plan("researcher").Add(tu.Action("gate")).Build()), agent.WithMaxIters(1))

	_, first, _, err := f.engine.Invoke(context.Background(), "researcher", nil)
	require.NoError(t, err)
	_, second, _, err := f.engine.Invoke(context.Background(), "researcher", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.exec.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.exec.Calls(), 1)

	close(release)
	tu.Drain(first)
	tu.Drain(second)
	assert.Len(t, f.exec.Calls(), 2)
}
