package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/wavemesh/agent"
	"github.com/hupe1980/wavemesh/core"
)

// CallbackType names the lifecycle point a callback is attached to.
type CallbackType string

const (
	// CallbackBeforeAgent runs before an execution starts. Returning an
	// error fails the execution before its first iteration.
	CallbackBeforeAgent CallbackType = "before_agent"

	// CallbackAfterAgent runs once the execution reached a terminal status.
	CallbackAfterAgent CallbackType = "after_agent"

	// CallbackAfterIteration runs after every iteration that did not end
	// the execution, right after the checkpoint was written.
	CallbackAfterIteration CallbackType = "after_iteration"

	// CallbackOnEvent runs for every stream event before it is delivered.
	CallbackOnEvent CallbackType = "on_event"

	// CallbackOnError runs when an execution failed or was cancelled.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries what a callback may inspect. Fields that do not
// apply to the callback type are left zero.
type CallbackContext struct {
	CallbackType CallbackType
	ExecutionID  string
	AgentName    string
	State        *core.AgentExecutionState
	Event        *core.StreamEvent
	Result       *agent.Result
	Err          error
	Metadata     map[string]any
}

// Callback is an execution lifecycle hook. Callbacks run synchronously on
// the execution's goroutine and should return quickly.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback adapts a function to Callback.
//
// Example:
//
//	audit := NewFunctionCallback(CallbackAfterAgent, func(ctx context.Context, cc *CallbackContext) error {
//	    log.Printf("%s finished: %s", cc.ExecutionID, cc.Result.Status)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks by type and runs them in registration
// order. It is safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// RegisterCallback adds callback under its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	t := callback.Type()
	cm.callbacks[t] = append(cm.callbacks[t], callback)
}

// Count returns the number of callbacks registered for t.
func (cm *CallbackManager) Count(t CallbackType) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.callbacks[t])
}

// ExecuteCallbacks runs the callbacks registered for callbackType and stops
// at the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return fmt.Errorf("%s callback: %w", callbackType, err)
		}
	}
	return nil
}
