// Package model defines the provider-agnostic generation interface and the
// two places models plug into wavemesh: the Executor behind model actions
// and a Planner that asks a model for the next ExecutionPlan.
//
// Providers (Anthropic, OpenAI) live in sub-packages and implement Model,
// so the scheduler and agents stay decoupled from vendor SDKs. MockModel
// serves tests and examples.
package model
