package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPlan is returned when a plan fails structural validation.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrDuplicateAction is returned when two actions share an id.
	ErrDuplicateAction = errors.New("duplicate action id")
	// ErrUnknownDependency is returned when depends_on names an id outside the plan.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrCycle is returned when the dependency graph contains a cycle.
	ErrCycle = errors.New("circular dependencies detected")
	// ErrOutputKeyConflict is returned when an output key is declared twice or already published.
	ErrOutputKeyConflict = errors.New("output key conflict")

	// ErrActionTimeout marks an action that exceeded its timeout.
	ErrActionTimeout = errors.New("action timed out")
	// ErrParameterResolution marks a $key reference that could not be resolved.
	ErrParameterResolution = errors.New("parameter resolution failed")
	// ErrActionPanic marks an executor that panicked.
	ErrActionPanic = errors.New("action panicked")
	// ErrNoExecutor is returned when no executor is registered for an action type.
	ErrNoExecutor = errors.New("no executor registered for action type")
	// ErrUnknownActionType is returned for action types outside the closed set.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrDelegationLimit is returned when an execution exceeds its per-type call budget.
	ErrDelegationLimit = errors.New("delegation limit exceeded")

	// ErrAgentNotFound is returned when no agent is registered under a name.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrEmptyPlan is returned by planners that have nothing left to plan.
	ErrEmptyPlan = errors.New("empty plan")
)

// Error type names recorded in ActionResult.ErrorType and event payloads.
const (
	ErrorTypeActionExecution     = "ActionExecutionError"
	ErrorTypeTimeout             = "TimeoutError"
	ErrorTypeParameterResolution = "ParameterResolutionError"
	ErrorTypeCancelled           = "CancelledError"
	ErrorTypePanic               = "PanicError"
	ErrorTypePlanValidation      = "PlanValidationError"
	ErrorTypeLoopFailure         = "LoopFailure"
	ErrorTypeDeadlock            = "DeadlockWarning"
)

// PlanValidationError rejects a whole plan before any action is dispatched.
type PlanValidationError struct {
	Reason   string
	ActionID string
	Cycle    []string
	Err      error
}

func (e *PlanValidationError) Error() string {
	var b strings.Builder
	b.WriteString("plan validation failed: ")
	if e.Reason != "" {
		b.WriteString(e.Reason)
	} else if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if len(e.Cycle) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

func (e *PlanValidationError) Unwrap() error { return e.Err }

// ActionError wraps a failure local to one action.
type ActionError struct {
	ActionID string
	Type     ActionType
	Target   string
	Kind     string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s (%s %s): %s: %v", e.ActionID, e.Type, e.Target, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// TimeoutError reports an action that exceeded its timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrActionTimeout }

// ParameterResolutionError reports a $key reference missing from context.
type ParameterResolutionError struct {
	Parameter string
	Key       string
}

func (e *ParameterResolutionError) Error() string {
	return fmt.Sprintf("parameter %q references missing context key %q", e.Parameter, e.Key)
}

func (e *ParameterResolutionError) Unwrap() error { return ErrParameterResolution }

// LoopError is a fatal, execution-wide failure raised outside any action.
type LoopError struct {
	Phase     string
	Iteration int
	Err       error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent loop failed during %s (iteration %d): %v", e.Phase, e.Iteration, e.Err)
}

func (e *LoopError) Unwrap() error { return e.Err }

// ErrorType maps err to the error_type name recorded for it.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var actionErr *ActionError
	if errors.As(err, &actionErr) && actionErr.Kind != "" {
		return actionErr.Kind
	}
	var planErr *PlanValidationError
	switch {
	case errors.Is(err, ErrActionTimeout):
		return ErrorTypeTimeout
	case errors.Is(err, ErrParameterResolution):
		return ErrorTypeParameterResolution
	case errors.Is(err, ErrActionPanic):
		return ErrorTypePanic
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.As(err, &planErr):
		return ErrorTypePlanValidation
	}
	var loopErr *LoopError
	if errors.As(err, &loopErr) {
		return ErrorTypeLoopFailure
	}
	return ErrorTypeActionExecution
}
