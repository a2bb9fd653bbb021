package model

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/wavemesh/internal/util"
	"github.com/hupe1980/wavemesh/logging"
)

// Executor runs model actions. The action target names a registered model
// ("" or "default" selects the default one). Parameters:
//
//	prompt      required; a Go template rendered over the parameters
//	system      optional system prompt, also rendered
//	max_tokens  optional completion limit
//
// The output is the generated text.
type Executor struct {
	mu     sync.RWMutex
	models map[string]Model
	dflt   string
}

// NewExecutor creates an Executor whose default model is m.
func NewExecutor(m Model) *Executor {
	e := &Executor{models: map[string]Model{}}
	if m != nil {
		e.Add("default", m)
	}
	return e
}

// Add registers m under name. The first model added becomes the default.
func (e *Executor) Add(name string, m Model) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models[name] = m
	if e.dflt == "" {
		e.dflt = name
	}
}

// Names returns the registered model names, sorted.
func (e *Executor) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.models))
	for n := range e.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *Executor) lookup(target string) (Model, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if target == "" || target == "default" {
		target = e.dflt
	}
	m, ok := e.models[target]
	if !ok {
		return nil, fmt.Errorf("no model named %q", target)
	}
	return m, nil
}

// Execute implements core.Executor.
func (e *Executor) Execute(ctx context.Context, target string, params map[string]any) (any, error) {
	m, err := e.lookup(target)
	if err != nil {
		return nil, err
	}

	raw, ok := params["prompt"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("model action needs a string prompt parameter")
	}
	prompt, err := util.RenderTemplate(raw, params)
	if err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}

	req := Prompt("", prompt)
	if s, ok := params["system"].(string); ok {
		if req.System, err = util.RenderTemplate(s, params); err != nil {
			return nil, fmt.Errorf("system prompt: %w", err)
		}
	}
	switch n := params["max_tokens"].(type) {
	case int:
		req.MaxTokens = int64(n)
	case float64:
		req.MaxTokens = int64(n)
	}

	info := m.Info()
	logging.FromContext(ctx).Debug("Generating", "model", info.Name, "provider", info.Provider)

	resp, err := Complete(ctx, m, req)
	if err != nil {
		return nil, err
	}
	return resp.Text, nil
}
