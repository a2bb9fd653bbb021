// Package agent contains the agent loop controller.
//
// A LoopAgent owns one execution at a time: it asks a core.Planner for a
// plan per iteration, validates the plan's graph, runs it through the wave
// scheduler and evaluates whether to continue. The loop stops when the
// iteration limit is reached, when a plan has no actions, when the goal key
// is set in the execution context or when a custom predicate says so.
//
// Planners in this package are deliberately simple (static plan, fixed
// sequence of plans); model-backed planning lives in the model package.
package agent
