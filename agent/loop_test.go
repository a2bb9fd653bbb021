package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/dispatch"
	tu "github.com/hupe1980/wavemesh/internal/testutil"
	"github.com/hupe1980/wavemesh/scheduler"
)

func newLoop(exec *tu.ScriptedExecutor, planner core.Planner, opts ...LoopOption) *LoopAgent {
	d := dispatch.New().MustRegister(core.ActionTypeTool, exec)
	return NewLoopAgent("researcher", planner, scheduler.New(d), opts...)
}

func finals(events []core.StreamEvent) []core.StreamEvent {
	var out []core.StreamEvent
	for _, e := range events {
		if e.IsFinal() {
			out = append(out, e)
		}
	}
	return out
}

func requireSingleFinal(t *testing.T, events []core.StreamEvent, want core.EventType) core.StreamEvent {
	t.Helper()
	f := finals(events)
	require.Len(t, f, 1)
	require.Equal(t, want, f[0].Type)
	require.Equal(t, f[0].ID, events[len(events)-1].ID, "final event must be last")
	return f[0]
}

func TestScenarioSingleIteration(t *testing.T) {
	exec := tu.NewScriptedExecutor().On("search", tu.Step{Output: "found"})
	plan := tu.Plan("researcher").Add(tu.Action("search").Output("hits")).Build()
	la := newLoop(exec, NewStaticPlanner(plan), WithMaxIters(1))

	rec := &core.EventRecorder{}
	state := la.NewState("", nil)
	res, err := la.Run(context.Background(), state, rec)
	require.NoError(t, err)

	events := rec.Events()
	assert.Equal(t, 1, tu.Count(events, core.EventIterationStarted))
	assert.Equal(t, 1, tu.Count(events, core.EventIterationCompleted)+tu.Count(events, core.EventTermination))
	final := requireSingleFinal(t, events, core.EventAgentCompleted)
	assert.Equal(t, ReasonMaxIterations, final.Str("reason"))

	assert.Equal(t, core.EventAgentStarted, events[0].Type)
	assert.Equal(t, core.StatusCompleted, res.Status)
	assert.Equal(t, core.StatusCompleted, state.Status())
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "found", res.Context["hits"])
}

func TestScenarioCycleFailsBeforeDispatch(t *testing.T) {
	exec := tu.NewScriptedExecutor()
	plan := tu.Plan("researcher").Add(
		tu.Action("A").DependsOn("B"),
		tu.Action("B").DependsOn("A"),
	).Build()
	la := newLoop(exec, NewStaticPlanner(plan))

	rec := &core.EventRecorder{}
	res, err := la.Run(context.Background(), la.NewState("exec-c", nil), rec)
	require.Error(t, err)

	var le *core.LoopError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, PhaseValidation, le.Phase)
	assert.ErrorIs(t, err, core.ErrCycle)

	events := rec.Events()
	assert.Equal(t, 0, tu.Count(events, core.EventActionStarted))
	assert.Equal(t, 0, tu.Count(events, core.EventPlanGenerated))
	assert.Empty(t, exec.Calls())

	final := requireSingleFinal(t, events, core.EventAgentFailed)
	assert.Contains(t, final.Str("error"), "circular dependencies detected")
	assert.Equal(t, core.ErrorTypePlanValidation, final.Str("error_type"))
	assert.Equal(t, core.StatusFailed, res.Status)
}

func TestPlannerFailureIsLoopFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	planner := core.PlannerFunc(func(context.Context, string, int, map[string]any) (*core.ExecutionPlan, error) {
		return nil, boom
	})
	la := newLoop(tu.NewScriptedExecutor(), planner)

	rec := &core.EventRecorder{}
	_, err := la.Run(context.Background(), la.NewState("", nil), rec)
	require.ErrorIs(t, err, boom)

	final := requireSingleFinal(t, rec.Events(), core.EventAgentFailed)
	assert.Equal(t, core.ErrorTypeLoopFailure, final.Str("error_type"))
	assert.Equal(t, PhasePlanning, final.Str("phase"))
}

func TestLoopStopsWhenPlanIsEmpty(t *testing.T) {
	exec := tu.NewScriptedExecutor()
	planner := NewSequencePlanner(
		tu.Plan("researcher").Add(tu.Action("one").Output("first")).Build(),
		tu.Plan("researcher").Add(tu.Action("two").Output("second")).Build(),
	)
	la := newLoop(exec, planner, WithMaxIters(5))

	rec := &core.EventRecorder{}
	res, err := la.Run(context.Background(), la.NewState("", nil), rec)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, ReasonNoActions, res.Reason)
	assert.Equal(t, []string{"one", "two"}, exec.Calls())

	events := rec.Events()
	assert.Equal(t, 3, tu.Count(events, core.EventIterationStarted))
	assert.Equal(t, 2, tu.Count(events, core.EventIterationCompleted))
	assert.Equal(t, 1, tu.Count(events, core.EventTermination))
	requireSingleFinal(t, events, core.EventAgentCompleted)
}

func TestLoopStopsOnGoalKey(t *testing.T) {
	exec := tu.NewScriptedExecutor().On("check", tu.Step{Output: true})
	planner := core.PlannerFunc(func(_ context.Context, _ string, iter int, c map[string]any) (*core.ExecutionPlan, error) {
		if iter < 2 {
			return tu.Plan("researcher").Add(tu.Action("work")).Build(), nil
		}
		return tu.Plan("researcher").Add(tu.Action("check").Output("done")).Build(), nil
	})
	la := newLoop(exec, planner, WithMaxIters(10), WithGoalKey("done"))

	res, err := la.Run(context.Background(), la.NewState("", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonGoalAchieved, res.Reason)
	assert.Equal(t, 2, res.Iterations)
}

func TestLoopPredicate(t *testing.T) {
	exec := tu.NewScriptedExecutor()
	la := newLoop(exec, NewStaticPlanner(tu.Plan("researcher").Add(tu.Action("poll")).Build()),
		WithMaxIters(10),
		WithPredicate(func(s *core.AgentExecutionState) bool { return len(s.Results()) >= 3 }),
	)

	res, err := la.Run(context.Background(), la.NewState("", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonPredicate, res.Reason)
	assert.Equal(t, 3, res.Iterations)
}

func TestActionFailuresDoNotFailTheAgent(t *testing.T) {
	exec := tu.NewScriptedExecutor().On("flaky", tu.Step{Err: tu.ErrScripted})
	plan := tu.Plan("researcher").FailFast().Add(tu.Action("flaky"), tu.Action("other").DependsOn("flaky")).Build()
	la := newLoop(exec, NewStaticPlanner(plan), WithMaxIters(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &core.EventRecorder{}
	res, err := la.Run(ctx, la.NewState("", nil), rec)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, res.Status)
	assert.Equal(t, 2, tu.Count(rec.Events(), core.EventExecutionStopped))
	requireSingleFinal(t, rec.Events(), core.EventAgentCompleted)
}

func TestScenarioFailFastCompletesTheLoop(t *testing.T) {
	exec := tu.NewScriptedExecutor().On("A", tu.Step{Err: tu.ErrScripted})
	plan := tu.Plan("researcher").FailFast().MaxParallel(2).Add(
		tu.Action("A"),
		tu.Action("B"),
		tu.Action("C").DependsOn("A"),
	).Build()
	la := newLoop(exec, NewStaticPlanner(plan), WithMaxIters(1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := &core.EventRecorder{}
	done := make(chan struct{})
	var (
		res *Result
		err error
	)
	go func() {
		defer close(done)
		res, err = la.Run(ctx, la.NewState("", nil), rec)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not return after a fail-fast stop")
	}
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, res.Status)
	assert.Equal(t, ReasonMaxIterations, res.Reason)

	events := rec.Events()
	assert.Equal(t, -1, tu.IndexOf(events, core.EventActionStarted, "C"))
	assert.Equal(t, 1, tu.Count(events, core.EventExecutionStopped))
	assert.Equal(t, 1, tu.Count(events, core.EventTermination))
	requireSingleFinal(t, events, core.EventAgentCompleted)
}

func TestCancellationMarksExecutionCancelled(t *testing.T) {
	exec := tu.NewScriptedExecutor().On("hang", tu.Step{Block: true})
	la := newLoop(exec, NewStaticPlanner(tu.Plan("researcher").Add(tu.Action("hang")).Build()))

	ctx, cancel := context.WithCancel(context.Background())
	rec := &core.EventRecorder{}
	sink := core.EventSinkFunc(func(e core.StreamEvent) {
		rec.Emit(e)
		if e.Type == core.EventActionStarted {
			cancel()
		}
	})

	state := la.NewState("", nil)
	res, err := la.Run(ctx, state, sink)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.StatusCancelled, res.Status)
	assert.Equal(t, core.StatusCancelled, state.Status())

	events := rec.Events()
	final := requireSingleFinal(t, events, core.EventAgentFailed)
	assert.Equal(t, core.ErrorTypeCancelled, final.Str("error_type"))
	assert.Equal(t, 1, tu.Count(events, core.EventActionFailed))
}

func TestAgentCompletedWaitsForFireAndForget(t *testing.T) {
	release := make(chan struct{})
	exec := tu.NewScriptedExecutor().On("notify", tu.Step{Release: release})
	plan := tu.Plan("researcher").Add(
		tu.Action("notify").Mode(core.ModeFireAndForget),
		tu.Action("answer"),
	).Build()
	la := newLoop(exec, NewStaticPlanner(plan), WithMaxIters(1))

	rec := &core.EventRecorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = la.Run(context.Background(), la.NewState("", nil), rec)
	}()

	require.Eventually(t, func() bool {
		return tu.TerminalIndex(rec.Events(), "answer") != -1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, len(finals(rec.Events())))

	close(release)
	<-done

	events := rec.Events()
	requireSingleFinal(t, events, core.EventAgentCompleted)
	assert.Less(t, tu.TerminalIndex(events, "notify"), len(events)-1)
}

func TestResumeFromSnapshot(t *testing.T) {
	exec := tu.NewScriptedExecutor()
	planner := NewSequencePlanner(
		tu.Plan("researcher").Add(tu.Action("one").Output("first")).Build(),
		tu.Plan("researcher").Add(tu.Action("two").Output("second")).Build(),
	)
	la := newLoop(exec, planner, WithMaxIters(2))

	snap := core.StateSnapshot{
		ExecutionID: "resumed",
		AgentName:   "researcher",
		Status:      core.StatusEvaluating,
		Iteration:   1,
		Context:     map[string]any{"first": "one"},
	}
	res, err := la.Run(context.Background(), core.RestoreState(snap), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, exec.Calls())
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, ReasonMaxIterations, res.Reason)
}

func TestRepublishingAnOutputKeyIsRejected(t *testing.T) {
	plan := tu.Plan("researcher").Add(tu.Action("fetch").Output("page")).Build()
	la := newLoop(tu.NewScriptedExecutor(), NewStaticPlanner(plan), WithMaxIters(3))

	_, err := la.Run(context.Background(), la.NewState("", nil), nil)
	require.ErrorIs(t, err, core.ErrOutputKeyConflict)
	var le *core.LoopError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 2, le.Iteration)
}
