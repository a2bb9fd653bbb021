package testutil

import "github.com/hupe1980/wavemesh/core"

// Types returns the event types in order.
func Types(events []core.StreamEvent) []core.EventType {
	out := make([]core.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// OfType returns the events of type t.
func OfType(events []core.StreamEvent, t core.EventType) []core.StreamEvent {
	var out []core.StreamEvent
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of events of type t.
func Count(events []core.StreamEvent, t core.EventType) int {
	return len(OfType(events, t))
}

// IndexOf returns the position of the first event of type t for actionID
// ("" matches any action), or -1.
func IndexOf(events []core.StreamEvent, t core.EventType, actionID string) int {
	for i, e := range events {
		if e.Type == t && (actionID == "" || e.ActionID == actionID) {
			return i
		}
	}
	return -1
}

// TerminalIndex returns the position of the terminal event of actionID, or -1.
func TerminalIndex(events []core.StreamEvent, actionID string) int {
	for i, e := range events {
		if e.IsActionTerminal() && e.ActionID == actionID {
			return i
		}
	}
	return -1
}

// TerminalOrder returns the action ids in the order their terminal events occurred.
func TerminalOrder(events []core.StreamEvent) []string {
	var out []string
	for _, e := range events {
		if e.IsActionTerminal() {
			out = append(out, e.ActionID)
		}
	}
	return out
}

// Drain collects events from ch until it is closed.
func Drain(ch <-chan core.StreamEvent) []core.StreamEvent {
	var out []core.StreamEvent
	for e := range ch {
		out = append(out, e)
	}
	return out
}
