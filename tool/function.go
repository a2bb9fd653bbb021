package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/wavemesh/internal/util"
	"github.com/hupe1980/wavemesh/logging"
)

// FunctionTool exposes a plain Go function as a Tool.
//
// Arguments are validated against the parameter schema before the function
// runs. Errors are normalized to *ToolError:
//
//	*ToolError returned by fn -> forwarded unchanged
//	validation failure        -> Code VALIDATION_ERROR
//	other error               -> Code EXECUTION_ERROR, wrapping the cause
//
// A FunctionTool has no mutable state and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from an explicit schema.
//
// Example:
//
//	sum := tool.NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct's
// json and description tags.
//
// Example:
//
//	type SearchArgs struct {
//	  Query string `json:"query" description:"Search terms"`
//	  Limit int    `json:"limit,omitempty"`
//	}
//
//	search := tool.NewFunctionToolFromStruct("web_search", "Search the web", SearchArgs{}, doSearch)
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name implements Tool.
func (t *FunctionTool) Name() string { return t.name }

// Description implements Tool.
func (t *FunctionTool) Description() string { return t.description }

// Parameters implements Tool.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args and runs the wrapped function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
			err:     err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)
			return nil, err
		}
		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())
		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
			err:     err,
		}
	}

	logger.Debug("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
