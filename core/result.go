package core

import "time"

// ActionStatus is the lifecycle state of one action. Statuses only move
// forward and are terminal once Completed, Failed or Cancelled.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

// ActionResult records the outcome of one dispatched action.
type ActionResult struct {
	ActionID    string        `json:"action_id"`
	ActionName  string        `json:"action_name,omitempty"`
	Type        ActionType    `json:"type"`
	Iteration   int           `json:"iteration"`
	Status      ActionStatus  `json:"status"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorType   string        `json:"error_type,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Duration    time.Duration `json:"duration"`
}

// NewActionResult returns a Running result for a just launched action.
func NewActionResult(a Action, iteration int) ActionResult {
	return ActionResult{
		ActionID:   a.ID,
		ActionName: a.DisplayName(),
		Type:       a.Type,
		Iteration:  iteration,
		Status:     ActionRunning,
		StartedAt:  time.Now().UTC(),
	}
}

// Complete marks the result Completed with output.
func (r *ActionResult) Complete(output any) {
	if r.Status.IsTerminal() {
		return
	}
	r.finish(ActionCompleted)
	r.Output = output
}

// Fail marks the result Failed, or Cancelled when err is a cancellation.
func (r *ActionResult) Fail(err error) {
	if r.Status.IsTerminal() {
		return
	}
	r.ErrorType = ErrorType(err)
	if r.ErrorType == ErrorTypeCancelled {
		r.finish(ActionCancelled)
	} else {
		r.finish(ActionFailed)
	}
	if err != nil {
		r.Error = err.Error()
	}
}

func (r *ActionResult) finish(status ActionStatus) {
	r.Status = status
	r.CompletedAt = time.Now().UTC()
	if !r.StartedAt.IsZero() {
		r.Duration = r.CompletedAt.Sub(r.StartedAt)
	}
}
