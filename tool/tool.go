// Package tool implements the executor behind tool actions: a set of named
// tools with schema-validated arguments, looked up by the action target.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/wavemesh/internal/util"
)

// Tool is a named capability an action can call.
//
// Implementations must be safe for concurrent use; the scheduler may call
// the same tool from several actions at once.
type Tool interface {
	// Name is the target actions use to call the tool.
	Name() string

	// Description tells planners what the tool does.
	Description() string

	// Parameters returns a JSON schema describing the accepted arguments.
	Parameters() map[string]any

	// Call runs the tool with already resolved arguments. Long running
	// tools must honor ctx cancellation.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors.
type ValidationError = util.ValidationError

// Error codes used by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeNotFound   = "NOT_FOUND"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`

	err error
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Unwrap returns the error the tool failed with, if any.
func (e *ToolError) Unwrap() error { return e.err }

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
