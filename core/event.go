package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates StreamEvents.
type EventType string

const (
	EventAgentStarted       EventType = "agent_started"
	EventIterationStarted   EventType = "iteration_started"
	EventPlanGenerated      EventType = "plan_generated"
	EventActionStarted      EventType = "action_started"
	EventActionCompleted    EventType = "action_completed"
	EventActionFailed       EventType = "action_failed"
	EventWarning            EventType = "warning"
	EventExecutionStopped   EventType = "execution_stopped"
	EventTermination        EventType = "termination"
	EventIterationCompleted EventType = "iteration_completed"
	EventAgentCompleted     EventType = "agent_completed"
	EventAgentFailed        EventType = "agent_failed"
)

// StreamEvent is the only artifact an execution exposes to the outside
// world. After emission it should be treated as immutable.
type StreamEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"event_type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	AgentName   string         `json:"agent_name,omitempty"`
	Iteration   int            `json:"iteration,omitempty"`
	ActionID    string         `json:"action_id,omitempty"`
	ActionName  string         `json:"action_name,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewStreamEvent creates a bare event of type t.
func NewStreamEvent(t EventType, payload map[string]any) StreamEvent {
	return StreamEvent{
		ID:        NewID(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewActionEvent creates an event about action a.
func NewActionEvent(t EventType, a Action, payload map[string]any) StreamEvent {
	e := NewStreamEvent(t, payload)
	e.ActionID = a.ID
	e.ActionName = a.DisplayName()
	return e
}

// NewResultEvent creates the terminal event for a finished action result.
func NewResultEvent(r ActionResult) StreamEvent {
	t := EventActionCompleted
	payload := map[string]any{
		"status":      string(r.Status),
		"action_type": string(r.Type),
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Status == ActionCompleted {
		payload["output"] = r.Output
	} else {
		t = EventActionFailed
		payload["error"] = r.Error
		payload["error_type"] = r.ErrorType
	}
	e := NewStreamEvent(t, payload)
	e.ActionID = r.ActionID
	e.ActionName = r.ActionName
	e.Iteration = r.Iteration
	return e
}

// IsActionTerminal reports whether the event ends an action.
func (e StreamEvent) IsActionTerminal() bool {
	return e.Type == EventActionCompleted || e.Type == EventActionFailed
}

// IsFinal reports whether the event ends the whole execution.
func (e StreamEvent) IsFinal() bool {
	return e.Type == EventAgentCompleted || e.Type == EventAgentFailed
}

// Str returns the payload value under key as a string.
func (e StreamEvent) Str(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// EventSink receives stream events. Implementations must be safe for
// concurrent use.
type EventSink interface {
	Emit(e StreamEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(e StreamEvent)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(e StreamEvent) { f(e) }

// EventRecorder is an EventSink that keeps every event in memory.
type EventRecorder struct {
	mu     sync.Mutex
	events []StreamEvent
}

// Emit implements EventSink.
func (r *EventRecorder) Emit(e StreamEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamEvent, len(r.events))
	copy(out, r.events)
	return out
}

// NewID generates a new unique identifier for events and executions.
func NewID() string {
	return uuid.NewString()
}
