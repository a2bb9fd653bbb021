package core

import "time"

// EntityType names the kind of entity an execution ran.
type EntityType string

const (
	EntityAgent    EntityType = "agent"
	EntityWorkflow EntityType = "workflow"
)

// ExecutionRequest describes an execution about to start.
// A non-empty ExecutionID asks the registry to reopen that execution, as
// happens when it is resumed from a checkpoint.
type ExecutionRequest struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	EntityType  EntityType     `json:"entity_type"`
	EntityName  string         `json:"entity_name"`
	Input       map[string]any `json:"input,omitempty"`
}

// ExecutionResult is the terminal outcome mirrored into a summary.
type ExecutionResult struct {
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	Iterations int             `json:"iterations"`
}

// ExecutionSummary is the audit record of one execution.
type ExecutionSummary struct {
	ExecutionID string          `json:"execution_id"`
	EntityType  EntityType      `json:"entity_type"`
	EntityName  string          `json:"entity_name"`
	Status      ExecutionStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	Duration    time.Duration   `json:"duration"`
	Iterations  int             `json:"iterations"`
	Error       string          `json:"error,omitempty"`
}
