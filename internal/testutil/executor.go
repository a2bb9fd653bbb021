package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Step scripts the behavior of one target.
type Step struct {
	Delay  time.Duration
	Output any
	Err    error
	// Block makes the call wait for cancellation.
	Block bool
	// IgnoreCancel keeps sleeping through cancellation.
	IgnoreCancel bool
	// Release, when non-nil, makes the call wait until it is closed.
	Release <-chan struct{}
}

// ErrScripted is the default failure of a scripted step.
var ErrScripted = errors.New("scripted failure")

// ScriptedExecutor is a core.Executor whose behavior is scripted per
// target. Unscripted targets echo their parameters. It records call order
// and the peak number of concurrent calls.
type ScriptedExecutor struct {
	mu      sync.Mutex
	steps   map[string]Step
	calls   []string
	params  map[string]map[string]any
	current atomic.Int32
	peak    atomic.Int32
}

// NewScriptedExecutor creates an executor with no scripted steps.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{steps: map[string]Step{}, params: map[string]map[string]any{}}
}

// On scripts target (chainable).
func (s *ScriptedExecutor) On(target string, step Step) *ScriptedExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[target] = step
	return s
}

// Execute implements core.Executor.
func (s *ScriptedExecutor) Execute(ctx context.Context, target string, params map[string]any) (any, error) {
	s.mu.Lock()
	step, scripted := s.steps[target]
	s.calls = append(s.calls, target)
	s.params[target] = params
	s.mu.Unlock()

	n := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if !scripted {
		return params, nil
	}

	if step.Release != nil {
		select {
		case <-step.Release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Delay > 0 {
		if step.IgnoreCancel {
			time.Sleep(step.Delay)
		} else {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Output != nil {
		return step.Output, nil
	}
	return target, nil
}

// Calls returns the targets in call order.
func (s *ScriptedExecutor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Params returns the resolved parameters of the last call to target.
func (s *ScriptedExecutor) Params(target string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[target]
}

// Peak returns the highest number of concurrent calls observed.
func (s *ScriptedExecutor) Peak() int { return int(s.peak.Load()) }
