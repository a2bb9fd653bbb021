package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/agent"
	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/dispatch"
	"github.com/hupe1980/wavemesh/engine"
	tu "github.com/hupe1980/wavemesh/internal/testutil"
	"github.com/hupe1980/wavemesh/registry"
	"github.com/hupe1980/wavemesh/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	_ Engine   = (*engine.Engine)(nil)
	_ Registry = (*registry.Registry)(nil)
)

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	promReg := prometheus.NewRegistry()
	reg := registry.New(func(o *registry.Options) { o.Registerer = promReg })

	exec := tu.NewScriptedExecutor().On("search", tu.Step{Output: "found"})
	eng := engine.New(func(o *engine.Options) { o.Registry = reg })
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	runner := scheduler.New(dispatch.New().MustRegister(core.ActionTypeTool, exec))
	plan := tu.Plan("researcher").Add(tu.Action("search").Param("q", "$topic").Output("hits")).Build()
	eng.Register(agent.NewLoopAgent("researcher", agent.NewStaticPlanner(plan), runner, agent.WithMaxIters(1)))

	srv := New(eng, func(o *Options) {
		o.Registry = reg
		o.Gatherer = promReg
		o.KeepAlive = 0
	})
	return srv, reg
}

func do(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestInvokeStreamsEvents(t *testing.T) {
	srv, reg := newTestServer(t)

	w := do(srv, http.MethodPost, "/v1/agents/researcher/invoke", `{"input":{"topic":"go"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, string(core.EventAgentStarted), events[0].Name)
	assert.Equal(t, string(core.EventAgentCompleted), events[len(events)-2].Name)

	done := events[len(events)-1]
	require.Equal(t, EventDone, done.Name)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(done.Data), &payload))
	assert.NotContains(t, payload, "error")

	var started core.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &started))
	assert.Equal(t, payload["execution_id"], started.ExecutionID)

	summary, err := reg.GetExecution(started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, summary.Status)
}

func TestInvokeWithoutStreaming(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv, http.MethodPost, "/v1/agents/researcher/invoke?stream=false", `{"input":{"topic":"go"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp InvokeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Empty(t, resp.Error)
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, core.EventAgentCompleted, resp.Events[len(resp.Events)-1].Type)
}

func TestInvokeErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv, http.MethodPost, "/v1/agents/nobody/invoke", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodPost, "/v1/agents/researcher/invoke", `{"input":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodDelete, "/v1/executions/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodPost, "/v1/executions/unknown/resume", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestExecutionQueries(t *testing.T) {
	srv, _ := newTestServer(t)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(srv, http.MethodPost, "/v1/agents/researcher/invoke?stream=false", `{"input":{"topic":"go"}}`).Code)
	}

	w := do(srv, http.MethodGet, "/v1/executions?entity_name=researcher&status=completed&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Executions []core.ExecutionSummary `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Executions, 1)

	w = do(srv, http.MethodGet, "/v1/executions/"+list.Executions[0].ExecutionID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodGet, "/v1/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(srv, http.MethodGet, "/v1/statistics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats registry.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[core.StatusCompleted])

	w = do(srv, http.MethodGet, "/v1/agents", "")
	assert.JSONEq(t, `{"agents":["researcher"]}`, w.Body.String())

	w = do(srv, http.MethodGet, "/v1/executions/active", "")
	assert.JSONEq(t, `{"executions":[]}`, w.Body.String())

	w = do(srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wavemesh_registry_executions_registered_total")
}

func TestRegistryDisabled(t *testing.T) {
	srv := New(engine.New())
	w := do(srv, http.MethodGet, "/v1/statistics", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = do(srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
