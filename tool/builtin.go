package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/wavemesh/internal/util"
)

// Builtins returns the demo tools the CLI registers by default:
//
//	echo     returns its arguments unchanged
//	sleep    waits for "duration" (Go duration string) and returns it
//	format   renders "template" as a Go template over the other arguments
//	sum      adds the numbers in "values"
func Builtins() []Tool {
	return []Tool{
		NewFunctionTool("echo", "Return the arguments unchanged", nil,
			func(_ context.Context, args map[string]any) (any, error) {
				return args, nil
			}),
		NewFunctionTool("sleep", "Wait for the given duration", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"duration": map[string]any{"type": "string", "description": "Go duration, e.g. 250ms"},
			},
			"required": []string{"duration"},
		}, sleep),
		NewFunctionTool("format", "Render a Go template over the arguments", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"template": map[string]any{"type": "string"},
			},
			"required": []string{"template"},
		}, func(_ context.Context, args map[string]any) (any, error) {
			return util.RenderTemplate(args["template"].(string), args)
		}),
		NewFunctionTool("sum", "Add numbers", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"values": map[string]any{"type": "array"},
			},
			"required": []string{"values"},
		}, sum),
	}
}

func sleep(ctx context.Context, args map[string]any) (any, error) {
	d, err := time.ParseDuration(fmt.Sprint(args["duration"]))
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sum(_ context.Context, args map[string]any) (any, error) {
	values, ok := args["values"].([]any)
	if !ok {
		return nil, fmt.Errorf("values must be a list, got %T", args["values"])
	}
	var total float64
	for i, v := range values {
		switch n := v.(type) {
		case int:
			total += float64(n)
		case int64:
			total += float64(n)
		case float64:
			total += n
		default:
			return nil, fmt.Errorf("values[%d] is not a number: %T", i, v)
		}
	}
	return total, nil
}
