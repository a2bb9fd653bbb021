package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/model"
)

func TestGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.APIKey = "test"
		o.RequestOptions = []option.RequestOption{option.WithBaseURL(srv.URL), option.WithMaxRetries(0)}
	})

	resp, err := model.Complete(context.Background(), m, model.Prompt("be brief", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, int64(7), resp.Usage.TotalTokens)

	assert.Equal(t, "claude-3-5-sonnet-20241022", body["model"])
	system, _ := body["system"].([]any)
	require.Len(t, system, 1)
	assert.Equal(t, "anthropic", m.Info().Provider)
}

func TestGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "invalid_request_error", "message": "bad"}}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.APIKey = "test"
		o.RequestOptions = []option.RequestOption{option.WithBaseURL(srv.URL), option.WithMaxRetries(0)}
	})
	_, err := model.Complete(context.Background(), m, model.Prompt("", "hi"))
	assert.ErrorContains(t, err, "anthropic api error")
}
