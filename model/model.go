package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request captures the normalized model input.
type Request struct {
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int64     `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
}

// Prompt builds a single-turn request.
func Prompt(system, text string) Request {
	return Request{System: system, Messages: []Message{{Role: RoleUser, Text: text}}}
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string      `json:"id,omitempty"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Model is the provider-agnostic generation interface. Implementations emit
// zero or more partial responses followed by one final response, or an
// error, then close both channels.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoResponse is returned when a model closes its stream without a final
// response.
var ErrNoResponse = errors.New("model returned no final response")

// Complete drains a Generate call and returns the final response.
func Complete(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var final *Response
	for resp := range respCh {
		if !resp.Partial {
			r := resp
			final = &r
		}
	}
	if err := <-errCh; err != nil {
		return Response{}, err
	}
	if final == nil {
		return Response{}, ErrNoResponse
	}
	return *final, nil
}

// MockModel is a lightweight in-memory Model useful for tests and examples.
// Responses are looked up by the text of the last message; unknown prompts
// get "Mock response to: <prompt>".
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	requests  []Request
	err       error
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a canned completion for a prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// FailWith makes every following call fail with err.
func (m *MockModel) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns the requests received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model; streams the answer rune by rune when asked to.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	failure := m.err
	var prompt string
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[n-1].Text
	}
	full, ok := m.responses[prompt]
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if failure != nil {
			errCh <- failure
			return
		}
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		if !ok {
			full = "Mock response to: " + prompt
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		respCh <- Response{
			Text:         full,
			FinishReason: "stop",
			Usage: &TokenUsage{
				PromptTokens:     int64(len(strings.Fields(prompt))),
				CompletionTokens: int64(len(strings.Fields(full))),
				TotalTokens:      int64(len(strings.Fields(prompt)) + len(strings.Fields(full))),
			},
		}
	}()
	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
