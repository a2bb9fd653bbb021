package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

// AgentExecutor returns the executor for agent actions. The action target
// names a registered agent; its params become the nested execution's input
// and its final context becomes the action output.
//
// Nested executions are registered and checkpointed like top-level ones but
// their events stay internal. Nesting deeper than MaxDelegationDepth fails
// the action with ErrDelegationLimit.
func (e *Engine) AgentExecutor() core.Executor {
	return core.ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (any, error) {
		info, _ := core.ActionInfoFromContext(ctx)
		if info.Depth >= e.config.MaxDelegationDepth {
			return nil, fmt.Errorf("%w: agent %q at depth %d", core.ErrDelegationLimit, target, info.Depth+1)
		}

		a, ok := e.GetAgent(target)
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, target)
		}

		id := e.register(core.ExecutionRequest{EntityType: core.EntityAgent, EntityName: target, Input: params})
		logger := logging.With(e.logger, "execution_id", id, "parent_execution_id", info.ExecutionID, "agent", target)
		logger.Debug("Delegating to agent", "depth", info.Depth+1)

		nested := core.WithActionInfo(ctx, core.ActionInfo{
			ExecutionID: id,
			AgentName:   target,
			ActionID:    info.ActionID,
			ActionName:  info.ActionName,
			Type:        core.ActionTypeAgent,
			Depth:       info.Depth + 1,
		})
		sink := core.EventSinkFunc(func(ev core.StreamEvent) {
			logger.Debug("Nested event", "event_type", string(ev.Type), "iteration", ev.Iteration)
		})

		res, err := e.execute(nested, a, a.NewState(id, params), sink)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", target, err)
		}
		return res.Context, nil
	})
}
