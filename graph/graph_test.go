package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/core"
)

func act(id string, deps ...string) core.Action {
	return core.Action{ID: id, Type: core.ActionTypeTool, Target: "t", DependsOn: deps}
}

func ids(actions []core.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

func TestAddActionRejectsDuplicates(t *testing.T) {
	g := New()
	require.NoError(t, g.AddAction(act("a")))
	err := g.AddAction(act("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDuplicateAction)
	assert.Equal(t, 1, g.Len())
}

func TestHasCycles(t *testing.T) {
	g := New()
	require.NoError(t, g.AddAction(act("A", "B")))
	require.NoError(t, g.AddAction(act("B", "A")))
	assert.True(t, g.HasCycles())
	assert.Equal(t, []string{"A", "B", "A"}, g.FindCycle())

	self := New()
	require.NoError(t, self.AddAction(act("x", "x")))
	assert.True(t, self.HasCycles())
	assert.Equal(t, []string{"x", "x"}, self.FindCycle())

	dag := New()
	require.NoError(t, dag.AddAction(act("a")))
	require.NoError(t, dag.AddAction(act("b", "a")))
	require.NoError(t, dag.AddAction(act("c", "a", "b")))
	assert.False(t, dag.HasCycles())
	assert.Nil(t, dag.FindCycle())
}

func TestBuildRejectsCycleWithPath(t *testing.T) {
	plan := &core.ExecutionPlan{Actions: []core.Action{act("A", "B"), act("B", "A")}}
	_, err := Build(plan)
	require.Error(t, err)

	var pve *core.PlanValidationError
	require.True(t, errors.As(err, &pve))
	assert.ErrorIs(t, err, core.ErrCycle)
	assert.Contains(t, err.Error(), "circular dependencies detected")
	assert.Equal(t, []string{"A", "B", "A"}, pve.Cycle)
}

func TestBuildRejectsDanglingDependency(t *testing.T) {
	_, err := Build(&core.ExecutionPlan{Actions: []core.Action{act("a", "ghost")}})
	assert.ErrorIs(t, err, core.ErrUnknownDependency)
}

func TestBuildRejectsDuplicateOutputKey(t *testing.T) {
	a, b := act("a"), act("b")
	a.OutputKey, b.OutputKey = "result", "result"
	_, err := Build(&core.ExecutionPlan{Actions: []core.Action{a, b}})
	assert.ErrorIs(t, err, core.ErrOutputKeyConflict)
}

func TestCheckOutputKeys(t *testing.T) {
	a := act("a")
	a.OutputKey = "answer"
	g, err := Build(&core.ExecutionPlan{Actions: []core.Action{a}})
	require.NoError(t, err)

	assert.NoError(t, g.CheckOutputKeys(func(string) bool { return false }))
	err = g.CheckOutputKeys(func(k string) bool { return k == "answer" })
	assert.ErrorIs(t, err, core.ErrOutputKeyConflict)
}

func TestGetReadyActions(t *testing.T) {
	g, err := Build(&core.ExecutionPlan{Actions: []core.Action{
		act("c", "a", "b"),
		act("a"),
		act("b", "a"),
		act("d"),
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "d"}, ids(g.GetReadyActions(NewSet())))
	assert.Equal(t, []string{"b", "d"}, ids(g.GetReadyActions(NewSet("a"))))
	assert.Equal(t, []string{"c", "d"}, ids(g.GetReadyActions(NewSet("a", "b"))))
	assert.Empty(t, g.GetReadyActions(NewSet("a", "b", "c", "d")))
}

func TestGetReadyActionsNeverReturnsUnsatisfied(t *testing.T) {
	g, err := Build(&core.ExecutionPlan{Actions: []core.Action{
		act("a"), act("b", "a"), act("c", "b"), act("d", "a", "c"), act("e"),
	}})
	require.NoError(t, err)

	all := []string{"a", "b", "c", "d", "e"}
	// Every subset of the ids.
	for mask := 0; mask < 1<<len(all); mask++ {
		completed := NewSet()
		for i, id := range all {
			if mask&(1<<i) != 0 {
				completed.Add(id)
			}
		}
		for _, a := range g.GetReadyActions(completed) {
			assert.False(t, completed.Has(a.ID))
			for _, dep := range a.DependsOn {
				assert.True(t, completed.Has(dep), "%s ready before %s", a.ID, dep)
			}
		}
	}
}

func TestDependentsAncestorsLevels(t *testing.T) {
	g, err := Build(&core.ExecutionPlan{Actions: []core.Action{
		act("a"), act("b", "a"), act("c", "a"), act("d", "b", "c"),
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.Dependents("a"))
	assert.Equal(t, []string{"a", "b", "c"}, g.Ancestors("d"))
	assert.Nil(t, g.Ancestors("missing"))

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, levels)

	cyclic := New()
	require.NoError(t, cyclic.AddAction(act("x", "y")))
	require.NoError(t, cyclic.AddAction(act("y", "x")))
	_, err = cyclic.Levels()
	assert.ErrorIs(t, err, core.ErrCycle)
}

func TestDependentsLinkedInAnyInsertOrder(t *testing.T) {
	g := New()
	require.NoError(t, g.AddAction(act("report", "fetch", "parse")))
	require.NoError(t, g.AddAction(act("parse", "fetch")))
	require.NoError(t, g.AddAction(act("fetch")))
	require.NoError(t, g.AddAction(act("notify", "fetch")))

	assert.Equal(t, []string{"report", "parse", "notify"}, g.Dependents("fetch"))
	assert.Equal(t, []string{"report"}, g.Dependents("parse"))
	assert.Empty(t, g.Dependents("report"))
	require.NoError(t, g.Validate())
	assert.False(t, g.HasCycles())

	assert.Equal(t, []string{"fetch"}, ids(g.GetReadyActions(NewSet())))
	assert.Equal(t, []string{"parse", "notify"}, ids(g.GetReadyActions(NewSet("fetch"))))
}

func BenchmarkBuild(b *testing.B) {
	actions := make([]core.Action, 2000)
	for i := range actions {
		a := act(fmt.Sprintf("a%d", i))
		if i > 0 {
			a.DependsOn = []string{fmt.Sprintf("a%d", i-1)}
		}
		actions[i] = a
	}
	plan := &core.ExecutionPlan{MaxParallel: 1, Actions: actions}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Build(plan); err != nil {
			b.Fatal(err)
		}
	}
}

func TestSetSorted(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, NewSet("c", "a", "b").Sorted())
}
