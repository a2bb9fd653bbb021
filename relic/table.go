// Package relic runs relic actions: calls to long-lived services that keep
// their own state between calls.
//
// A Table holds relics hosted in-process. Relics hosted elsewhere are
// reached over MQTT request/response: MQTTExecutor publishes a request to
// "<prefix>/relics/<target>/request" and awaits the reply on a per-call
// response topic, and Serve answers such requests from a Table.
package relic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/wavemesh/core"
)

// ErrUnknownRelic is returned when no relic is registered under a target.
var ErrUnknownRelic = errors.New("unknown relic")

// Relic is a long-lived service addressed by name.
type Relic interface {
	Call(ctx context.Context, params map[string]any) (any, error)
}

// Func adapts a function to Relic.
type Func func(ctx context.Context, params map[string]any) (any, error)

// Call implements Relic.
func (f Func) Call(ctx context.Context, params map[string]any) (any, error) { return f(ctx, params) }

// Table is the in-process relic directory. It implements core.Executor;
// targets it does not host go to the fallback executor, if any.
type Table struct {
	mu       sync.RWMutex
	relics   map[string]Relic
	fallback core.Executor
}

// NewTable creates an empty table. fallback may be nil.
func NewTable(fallback core.Executor) *Table {
	return &Table{relics: map[string]Relic{}, fallback: fallback}
}

// Register hosts r under name, replacing a previous relic.
func (t *Table) Register(name string, r Relic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.relics[name] = r
}

// Unregister removes the relic called name.
func (t *Table) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.relics, name)
}

// Get returns the relic called name.
func (t *Table) Get(name string) (Relic, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.relics[name]
	return r, ok
}

// Names returns the hosted relic names, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.relics))
	for name := range t.relics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute implements core.Executor.
func (t *Table) Execute(ctx context.Context, target string, params map[string]any) (any, error) {
	if r, ok := t.Get(target); ok {
		return r.Call(ctx, params)
	}
	if t.fallback != nil {
		return t.fallback.Execute(ctx, target, params)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRelic, target)
}

// Counter is a relic holding named counters. It accepts "op" (get, add,
// reset), "name" and for add an integer "by" (default 1) and returns the
// counter value.
type Counter struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounter creates a Counter.
func NewCounter() *Counter { return &Counter{values: map[string]int64{}} }

// Call implements Relic.
func (c *Counter) Call(_ context.Context, params map[string]any) (any, error) {
	name, _ := params["name"].(string)
	op, _ := params["op"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch op {
	case "", "get":
	case "add":
		by := int64(1)
		switch v := params["by"].(type) {
		case int:
			by = int64(v)
		case int64:
			by = v
		case float64:
			by = int64(v)
		}
		c.values[name] += by
	case "reset":
		delete(c.values, name)
	default:
		return nil, fmt.Errorf("counter: unknown op %q", op)
	}
	return c.values[name], nil
}
