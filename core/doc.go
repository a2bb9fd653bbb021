// Package core provides the foundational domain types and collaborator
// contracts used by wavemesh. It defines:
//
//   - Actions and ExecutionPlans (what to run, how, and in which order)
//   - ActionResults and the AgentExecutionState shared by one execution
//   - StreamEvents (the only artifact an execution exposes to callers)
//   - ExecutionSummaries kept by the execution registry for audit
//   - Error kinds (plan validation, action execution, timeout, loop failure)
//   - Planner and Executor contracts implemented by collaborators
//
// Implementation concerns (graph building, scheduling, the agent loop,
// persistence) live in sibling packages and depend on these types only.
package core
