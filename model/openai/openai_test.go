package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/model"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewModel(func(o *Options) {
		o.RequestOptions = []option.RequestOption{
			option.WithBaseURL(srv.URL),
			option.WithAPIKey("test"),
			option.WithMaxRetries(0),
		}
	})
}

func TestGenerate(t *testing.T) {
	var body map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 1, "total_tokens": 5}
		}`))
	})

	resp, err := model.Complete(context.Background(), m, model.Prompt("be brief", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(5), resp.Usage.TotalTokens)

	messages, _ := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestGenerateStreaming(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		} {
			_, _ = w.Write([]byte("data: " + chunk + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})

	req := model.Prompt("", "hi")
	req.Stream = true
	respCh, errCh := m.Generate(context.Background(), req)

	var partials []string
	var final model.Response
	for r := range respCh {
		if r.Partial {
			partials = append(partials, r.Text)
		} else {
			final = r
		}
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"hel", "lo"}, partials)
	assert.Equal(t, "hello", final.Text)
	assert.Equal(t, "stop", final.FinishReason)
}
