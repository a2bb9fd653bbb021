// Package dispatch routes one action to the executor registered for its
// type. The set of action types is closed (core.ActionTypes); each type has
// at most one executor.
//
// Dispatch resolves "$key" parameters against the execution context right
// before the call, enforces the action timeout, propagates cancellation,
// recovers executor panics and applies optional per-type rate limits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

// DefaultTimeout applies to actions that declare no timeout.
const DefaultTimeout = 30 * time.Second

// RateLimit bounds the call rate of one action type.
type RateLimit struct {
	// PerSecond is the sustained rate. Zero disables the limit.
	PerSecond float64
	// Burst is the bucket size; values below 1 are raised to 1.
	Burst int
}

// Options configure a Dispatcher.
type Options struct {
	DefaultTimeout time.Duration
	RateLimits     map[core.ActionType]RateLimit
	Logger         logging.Logger
}

// Dispatcher executes single actions through per-type executors.
type Dispatcher struct {
	opts      Options
	mu        sync.RWMutex
	executors map[core.ActionType]core.Executor
	limiters  map[core.ActionType]*rate.Limiter
}

// New creates a Dispatcher with no executors registered.
func New(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		DefaultTimeout: DefaultTimeout,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}

	d := &Dispatcher{
		opts:      opts,
		executors: map[core.ActionType]core.Executor{},
		limiters:  map[core.ActionType]*rate.Limiter{},
	}
	for t, rl := range opts.RateLimits {
		if rl.PerSecond <= 0 {
			continue
		}
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiters[t] = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
	}
	return d
}

// Register installs the executor for action type t, replacing any previous one.
func (d *Dispatcher) Register(t core.ActionType, e core.Executor) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownActionType, t)
	}
	if e == nil {
		return fmt.Errorf("executor for %s is nil", t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[t] = e
	return nil
}

// MustRegister is like Register but panics on error.
func (d *Dispatcher) MustRegister(t core.ActionType, e core.Executor) *Dispatcher {
	if err := d.Register(t, e); err != nil {
		panic(err)
	}
	return d
}

// Executor returns the executor registered for t.
func (d *Dispatcher) Executor(t core.ActionType) (core.Executor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.executors[t]
	return e, ok
}

// Supports reports whether an executor is registered for t.
func (d *Dispatcher) Supports(t core.ActionType) bool {
	_, ok := d.Executor(t)
	return ok
}

// TimeoutFor returns the effective timeout of a.
func (d *Dispatcher) TimeoutFor(a core.Action) time.Duration {
	if a.Timeout > 0 {
		return a.Timeout.Std()
	}
	return d.opts.DefaultTimeout
}

// Dispatch runs a once. Every failure is returned as a *core.ActionError
// whose Kind is the error_type recorded for the action.
func (d *Dispatcher) Dispatch(ctx context.Context, a core.Action, lookup Lookup) (any, error) {
	fail := func(kind string, err error) error {
		return &core.ActionError{ActionID: a.ID, Type: a.Type, Target: a.Target, Kind: kind, Err: err}
	}

	exec, ok := d.Executor(a.Type)
	if !ok {
		if !a.Type.Valid() {
			return nil, fail(core.ErrorTypeActionExecution, fmt.Errorf("%w: %q", core.ErrUnknownActionType, a.Type))
		}
		return nil, fail(core.ErrorTypeActionExecution, fmt.Errorf("%w: %s", core.ErrNoExecutor, a.Type))
	}

	params, err := ResolveParameters(a.Parameters, lookup)
	if err != nil {
		return nil, fail(core.ErrorTypeParameterResolution, err)
	}

	timeout := d.TimeoutFor(a)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := logging.With(d.opts.Logger, "action_id", a.ID, "action_type", string(a.Type), "target", a.Target)
	callCtx = logging.WithLogger(callCtx, logger)

	if lim, ok := d.limiters[a.Type]; ok {
		if err := lim.Wait(callCtx); err != nil {
			if ctx.Err() == nil && callCtx.Err() == nil {
				// The wait alone would outlast the deadline.
				return nil, fail(core.ErrorTypeTimeout, &core.TimeoutError{Timeout: timeout})
			}
			return nil, d.contextFailure(ctx, callCtx, timeout, err, fail)
		}
	}

	logger.Debug("Dispatching action", "timeout", timeout)
	start := time.Now()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := safeExecute(callCtx, exec, a.Target, params)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, core.ErrActionPanic) {
				logger.Error("Executor panicked", "error", res.err)
				return nil, fail(core.ErrorTypePanic, res.err)
			}
			if callCtx.Err() != nil {
				return nil, d.contextFailure(ctx, callCtx, timeout, res.err, fail)
			}
			logger.Debug("Action failed", "duration", time.Since(start), "error", res.err)
			return nil, fail(core.ErrorTypeActionExecution, res.err)
		}
		logger.Debug("Action completed", "duration", time.Since(start))
		return res.out, nil
	case <-callCtx.Done():
		// The executor goroutine is abandoned; its result is dropped into
		// the buffered channel.
		return nil, d.contextFailure(ctx, callCtx, timeout, callCtx.Err(), fail)
	}
}

// contextFailure classifies a failure observed while callCtx is done: the
// action's own deadline is a timeout, anything else is a cancellation.
func (d *Dispatcher) contextFailure(parent, callCtx context.Context, timeout time.Duration, cause error, fail func(string, error) error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fail(core.ErrorTypeTimeout, &core.TimeoutError{Timeout: timeout})
	}
	if parent.Err() != nil {
		return fail(core.ErrorTypeCancelled, fmt.Errorf("%w: %v", context.Canceled, parent.Err()))
	}
	if cause == nil {
		cause = callCtx.Err()
	}
	return fail(core.ErrorTypeActionExecution, cause)
}

func safeExecute(ctx context.Context, e core.Executor, target string, params map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", core.ErrActionPanic, r)
		}
	}()
	return e.Execute(ctx, target, params)
}
