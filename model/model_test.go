package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/core"
)

var (
	_ Model         = (*MockModel)(nil)
	_ core.Executor = (*Executor)(nil)
	_ core.Planner  = (*Planner)(nil)
)

func TestMockModelStreams(t *testing.T) {
	m := NewMockModel("mock")
	m.AddResponse("hi", "hello")

	req := Prompt("", "hi")
	req.Stream = true
	respCh, errCh := m.Generate(context.Background(), req)

	var partial string
	var final Response
	for r := range respCh {
		if r.Partial {
			partial += r.Text
		} else {
			final = r
		}
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, "hello", partial)
	assert.Equal(t, "hello", final.Text)
	assert.Equal(t, "stop", final.FinishReason)
}

func TestCompletePropagatesErrors(t *testing.T) {
	m := NewMockModel("mock")
	boom := errors.New("overloaded")
	m.FailWith(boom)

	_, err := Complete(context.Background(), m, Prompt("", "hi"))
	assert.ErrorIs(t, err, boom)
}

func TestExecutorRendersPrompt(t *testing.T) {
	m := NewMockModel("mock")
	m.AddResponse("Summarize: go is fast", "short")
	e := NewExecutor(m)

	out, err := e.Execute(context.Background(), "", map[string]any{
		"prompt": "Summarize: {{.text}}",
		"system": "You are {{.role}}",
		"text":   "go is fast",
		"role":   "terse",
	})
	require.NoError(t, err)
	assert.Equal(t, "short", out)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You are terse", reqs[0].System)
}

func TestExecutorErrors(t *testing.T) {
	e := NewExecutor(NewMockModel("mock"))

	_, err := e.Execute(context.Background(), "default", map[string]any{})
	assert.Error(t, err)

	_, err = e.Execute(context.Background(), "gpt", map[string]any{"prompt": "x"})
	assert.ErrorContains(t, err, `no model named "gpt"`)

	e.Add("gpt", NewMockModel("gpt"))
	assert.Equal(t, []string{"default", "gpt"}, e.Names())
	out, err := e.Execute(context.Background(), "gpt", map[string]any{"prompt": "x"})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: x", out)
}

func TestDecodePlan(t *testing.T) {
	text := "Here is the plan:\n```json\n" +
		`{"max_parallel": 2, "actions": [` +
		`{"id": "search", "type": "tool", "target": "web_search", "parameters": {"q": "$topic"}, "output_key": "hits", "timeout": "5s"},` +
		`{"id": "write", "type": "model", "target": "default", "parameters": {"prompt": "$hits"}, "depends_on": ["search"]}` +
		"]}\n```"

	plan, err := DecodePlan(text)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.MaxParallel)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, []string{"search"}, plan.Actions[1].DependsOn)
	assert.Equal(t, "5s", plan.Actions[0].Timeout.String())

	_, err = DecodePlan("no plan today")
	assert.ErrorIs(t, err, core.ErrInvalidPlan)
}

type answerModel struct {
	*MockModel
	answer string
}

func (a answerModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	a.AddResponse(req.Messages[len(req.Messages)-1].Text, a.answer)
	return a.MockModel.Generate(ctx, req)
}

func TestPlannerDecodesModelAnswer(t *testing.T) {
	m := answerModel{MockModel: NewMockModel("planner"), answer: `{"actions": [{"id": "a", "type": "tool", "target": "echo"}]}`}
	p := NewPlanner(m, func(o *PlannerOptions) { o.Capabilities = []string{"echo"} })

	plan, err := p.GeneratePlan(context.Background(), "researcher", 2, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, "researcher", plan.AgentName)
	assert.Equal(t, 2, plan.Iteration)
	assert.Equal(t, []string{"a"}, plan.ActionIDs())

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultPlannerPrompt, reqs[0].System)
	assert.Contains(t, reqs[0].Messages[0].Text, `"topic":"go"`)
	assert.Contains(t, reqs[0].Messages[0].Text, `"capabilities":["echo"]`)
}

func TestPlannerRejectsInvalidActions(t *testing.T) {
	m := answerModel{MockModel: NewMockModel("planner"), answer: `{"actions": [{"id": "a", "type": "teleport", "target": "x"}]}`}
	_, err := NewPlanner(m).GeneratePlan(context.Background(), "researcher", 1, nil)
	assert.ErrorIs(t, err, core.ErrInvalidPlan)
}
