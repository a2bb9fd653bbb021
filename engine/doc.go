// Package engine hosts named agents and runs their executions.
//
// The Engine is the outer surface of wavemesh. For each invocation it
// registers the execution with the registry, runs the agent on its own
// goroutine and streams every StreamEvent to the caller over a channel.
// Executions can be stopped by id and resumed from their last checkpoint.
//
// # Lifecycle
//
//	Invoke ─► registry: Pending ─► Running ─► agent loop ─► registry: terminal
//	                                   │
//	                                   └─ iteration_completed ─► checkpoint.Save
//
// A completed execution deletes its checkpoint. Failed and cancelled ones
// keep it so Resume can continue at the next iteration under the same id.
//
// # Delegation
//
// AgentExecutor turns agent actions into nested executions of other
// registered agents. Nested executions share the registry and checkpoint
// store but not the event stream, and their depth is bounded by
// Config.MaxDelegationDepth.
//
// # Callbacks
//
// The CallbackManager runs hooks before and after each execution, after
// every non-final iteration, for every event and on errors. A failing
// before_agent callback rejects the execution.
package engine
