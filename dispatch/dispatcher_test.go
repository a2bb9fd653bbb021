package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/wavemesh/core"
)

func mapLookup(m map[string]any) Lookup {
	return func(k string) (any, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func echo() core.Executor {
	return core.ExecutorFunc(func(_ context.Context, target string, params map[string]any) (any, error) {
		return map[string]any{"target": target, "params": params}, nil
	})
}

func TestResolveParameters(t *testing.T) {
	ctx := map[string]any{
		"topic":  "go",
		"search": map[string]any{"top": map[string]any{"url": "https://go.dev"}},
	}
	out, err := ResolveParameters(map[string]any{
		"query":   "$topic",
		"literal": "plain",
		"escaped": "$$topic",
		"dollar":  "$",
		"count":   3,
		"nested":  map[string]any{"q": "$topic"},
		"list":    []any{"$topic", 1},
		"deep":    "$search.top.url",
	}, mapLookup(ctx))
	require.NoError(t, err)

	assert.Equal(t, "go", out["query"])
	assert.Equal(t, "plain", out["literal"])
	assert.Equal(t, "$topic", out["escaped"])
	assert.Equal(t, "$", out["dollar"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, map[string]any{"q": "go"}, out["nested"])
	assert.Equal(t, []any{"go", 1}, out["list"])
	assert.Equal(t, "https://go.dev", out["deep"])
}

func TestResolveParametersMissingKey(t *testing.T) {
	_, err := ResolveParameters(map[string]any{"q": "$missing"}, mapLookup(nil))
	require.Error(t, err)
	var pre *core.ParameterResolutionError
	require.True(t, errors.As(err, &pre))
	assert.Equal(t, "q", pre.Parameter)
	assert.Equal(t, "missing", pre.Key)
}

func TestRegisterRejectsUnknownType(t *testing.T) {
	d := New()
	assert.ErrorIs(t, d.Register("shell", echo()), core.ErrUnknownActionType)
	assert.Error(t, d.Register(core.ActionTypeTool, nil))
	require.NoError(t, d.Register(core.ActionTypeTool, echo()))
	assert.True(t, d.Supports(core.ActionTypeTool))
	assert.False(t, d.Supports(core.ActionTypeRelic))
}

func TestDispatchRoutesByType(t *testing.T) {
	d := New().MustRegister(core.ActionTypeTool, echo())
	out, err := d.Dispatch(context.Background(), core.Action{
		ID: "a", Type: core.ActionTypeTool, Target: "search", Parameters: map[string]any{"q": "$topic"},
	}, mapLookup(map[string]any{"topic": "go"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"target": "search", "params": map[string]any{"q": "go"}}, out)
}

func TestDispatchFailureKinds(t *testing.T) {
	d := New().
		MustRegister(core.ActionTypeTool, core.ExecutorFunc(func(context.Context, string, map[string]any) (any, error) {
			return nil, errors.New("boom")
		})).
		MustRegister(core.ActionTypeModel, core.ExecutorFunc(func(context.Context, string, map[string]any) (any, error) {
			panic("kaboom")
		}))

	tests := []struct {
		name   string
		action core.Action
		kind   string
		is     error
	}{
		{"no executor", core.Action{ID: "a", Type: core.ActionTypeRelic}, core.ErrorTypeActionExecution, core.ErrNoExecutor},
		{"unknown type", core.Action{ID: "a", Type: "shell"}, core.ErrorTypeActionExecution, core.ErrUnknownActionType},
		{"missing param", core.Action{ID: "a", Type: core.ActionTypeTool, Parameters: map[string]any{"x": "$nope"}}, core.ErrorTypeParameterResolution, core.ErrParameterResolution},
		{"executor error", core.Action{ID: "a", Type: core.ActionTypeTool}, core.ErrorTypeActionExecution, nil},
		{"panic", core.Action{ID: "a", Type: core.ActionTypeModel}, core.ErrorTypePanic, core.ErrActionPanic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.action, mapLookup(nil))
			require.Error(t, err)
			var ae *core.ActionError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.kind, ae.Kind)
			assert.Equal(t, tt.kind, core.ErrorType(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestDispatchTimeoutIsDistinct(t *testing.T) {
	// The executor ignores cancellation; the dispatcher must still return.
	d := New().MustRegister(core.ActionTypeTool, core.ExecutorFunc(func(context.Context, string, map[string]any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}))
	start := time.Now()
	_, err := d.Dispatch(context.Background(), core.Action{
		ID: "slow", Type: core.ActionTypeTool, Timeout: core.Duration(20 * time.Millisecond),
	}, mapLookup(nil))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrActionTimeout)
	assert.Equal(t, core.ErrorTypeTimeout, core.ErrorType(err))
}

func TestDispatchCancellation(t *testing.T) {
	started := make(chan struct{})
	d := New().MustRegister(core.ActionTypeAgent, core.ExecutorFunc(func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := d.Dispatch(ctx, core.Action{ID: "a", Type: core.ActionTypeAgent}, mapLookup(nil))
	require.Error(t, err)
	assert.Equal(t, core.ErrorTypeCancelled, core.ErrorType(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatchDefaultTimeout(t *testing.T) {
	var deadline time.Time
	d := New(func(o *Options) { o.DefaultTimeout = time.Minute }).
		MustRegister(core.ActionTypeTool, core.ExecutorFunc(func(ctx context.Context, _ string, _ map[string]any) (any, error) {
			deadline, _ = ctx.Deadline()
			return nil, nil
		}))
	_, err := d.Dispatch(context.Background(), core.Action{ID: "a", Type: core.ActionTypeTool}, mapLookup(nil))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
	assert.Equal(t, 2*time.Second, d.TimeoutFor(core.Action{Timeout: core.Duration(2 * time.Second)}))
}

func TestDispatchRateLimit(t *testing.T) {
	var calls atomic.Int32
	d := New(func(o *Options) {
		o.RateLimits = map[core.ActionType]RateLimit{core.ActionTypeTool: {PerSecond: 20, Burst: 1}}
	}).MustRegister(core.ActionTypeTool, core.ExecutorFunc(func(context.Context, string, map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), core.Action{ID: "a", Type: core.ActionTypeTool}, mapLookup(nil))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
