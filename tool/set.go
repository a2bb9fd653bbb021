package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/wavemesh/core"
)

// Set is a collection of tools addressed by name. It implements
// core.Executor for tool actions: the action target selects the tool and the
// resolved parameters become its arguments.
type Set struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewSet creates a Set holding tools.
func NewSet(tools ...Tool) *Set {
	s := &Set{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		s.tools[t.Name()] = t
	}
	return s
}

// Add registers t, replacing a tool with the same name.
func (s *Set) Add(t Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name()] = t
}

// Get returns the tool called name.
func (s *Set) Get(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the tool names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor is the planner facing description of a tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Describe returns descriptors for every tool, sorted by name.
func (s *Set) Describe() []Descriptor {
	names := s.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if t, ok := s.Get(name); ok {
			out = append(out, Descriptor{Name: name, Description: t.Description(), Parameters: t.Parameters()})
		}
	}
	return out
}

// Execute implements core.Executor.
func (s *Set) Execute(ctx context.Context, target string, params map[string]any) (any, error) {
	t, ok := s.Get(target)
	if !ok {
		return nil, NewToolError(target, fmt.Sprintf("no tool named %q", target), CodeNotFound)
	}
	if params == nil {
		params = map[string]any{}
	}
	return t.Call(ctx, params)
}

var _ core.Executor = (*Set)(nil)
