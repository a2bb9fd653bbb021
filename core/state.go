package core

import (
	"fmt"
	"sync"
	"time"
)

// ExecutionStatus is the lifecycle state of a whole execution.
type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "pending"
	StatusInitialized ExecutionStatus = "initialized"
	StatusRunning     ExecutionStatus = "running"
	StatusPlanning    ExecutionStatus = "planning"
	StatusExecuting   ExecutionStatus = "executing"
	StatusEvaluating  ExecutionStatus = "evaluating"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusCancelled   ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AgentExecutionState is the state of one multi-iteration execution. The
// agent loop owns it; the scheduler only publishes into the context on
// terminal success. It is safe for concurrent use.
type AgentExecutionState struct {
	executionID string
	agentName   string
	startedAt   time.Time

	mu          sync.RWMutex
	status      ExecutionStatus
	iteration   int
	context     map[string]any
	results     []ActionResult
	delegations *DelegationLimiter
}

// NewAgentExecutionState creates an Initialized state seeded with input.
// Input keys count as already published.
func NewAgentExecutionState(executionID, agentName string, input map[string]any) *AgentExecutionState {
	ctx := make(map[string]any, len(input))
	for k, v := range input {
		ctx[k] = v
	}
	return &AgentExecutionState{
		executionID: executionID,
		agentName:   agentName,
		startedAt:   time.Now().UTC(),
		status:      StatusInitialized,
		context:     ctx,
		delegations: NewDelegationLimiter(nil),
	}
}

// WithDelegationLimits replaces the delegation limiter with one enforcing
// max. Counts recorded so far carry over.
func (s *AgentExecutionState) WithDelegationLimits(max map[ActionType]int) *AgentExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := NewDelegationLimiter(max)
	if s.delegations != nil {
		next.restore(s.delegations.Counts())
	}
	s.delegations = next
	return s
}

// ExecutionID returns the id of the execution.
func (s *AgentExecutionState) ExecutionID() string { return s.executionID }

// AgentName returns the name of the agent running the execution.
func (s *AgentExecutionState) AgentName() string { return s.agentName }

// StartedAt returns when the state was created.
func (s *AgentExecutionState) StartedAt() time.Time { return s.startedAt }

// Status returns the current status.
func (s *AgentExecutionState) Status() ExecutionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus moves the state to status. Terminal statuses are sticky; the
// return value reports whether the transition happened.
func (s *AgentExecutionState) SetStatus(status ExecutionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return false
	}
	s.status = status
	return true
}

// Iteration returns the current iteration (1-based, 0 before the first).
func (s *AgentExecutionState) Iteration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

// NextIteration increments and returns the iteration counter.
func (s *AgentExecutionState) NextIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

// Get returns the context value published under key.
func (s *AgentExecutionState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.context[key]
	return v, ok
}

// Has reports whether key has been published.
func (s *AgentExecutionState) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Context returns a shallow copy of the context map.
func (s *AgentExecutionState) Context() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.context))
	for k, v := range s.context {
		out[k] = v
	}
	return out
}

// Publish writes value under key. Keys are write-once.
func (s *AgentExecutionState) Publish(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.context[key]; exists {
		return fmt.Errorf("%w: %q already published", ErrOutputKeyConflict, key)
	}
	s.context[key] = value
	return nil
}

// RecordResult appends a terminal action result to the history.
func (s *AgentExecutionState) RecordResult(r ActionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// Results returns a copy of the action result history.
func (s *AgentExecutionState) Results() []ActionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActionResult, len(s.results))
	copy(out, s.results)
	return out
}

// CountDelegation records one dispatched call of type t.
func (s *AgentExecutionState) CountDelegation(t ActionType) error {
	s.mu.RLock()
	l := s.delegations
	s.mu.RUnlock()
	return l.Increment(t)
}

// Delegations returns the delegated call counters keyed "<type>_calls".
func (s *AgentExecutionState) Delegations() map[string]int {
	s.mu.RLock()
	l := s.delegations
	s.mu.RUnlock()
	return l.Counts()
}

// StateSnapshot is the serializable form of an AgentExecutionState used for
// checkpoints.
type StateSnapshot struct {
	ExecutionID string          `json:"execution_id"`
	AgentName   string          `json:"agent_name"`
	Status      ExecutionStatus `json:"status"`
	Iteration   int             `json:"iteration"`
	StartedAt   time.Time       `json:"started_at"`
	Context     map[string]any  `json:"context"`
	Results     []ActionResult  `json:"results,omitempty"`
	Delegations map[string]int  `json:"delegations,omitempty"`
	SavedAt     time.Time       `json:"saved_at"`
}

// Snapshot captures the current state.
func (s *AgentExecutionState) Snapshot() StateSnapshot {
	return StateSnapshot{
		ExecutionID: s.executionID,
		AgentName:   s.agentName,
		Status:      s.Status(),
		Iteration:   s.Iteration(),
		StartedAt:   s.startedAt,
		Context:     s.Context(),
		Results:     s.Results(),
		Delegations: s.Delegations(),
		SavedAt:     time.Now().UTC(),
	}
}

// RestoreState rebuilds a state from a snapshot. The restored state resumes
// at the snapshot's iteration.
func RestoreState(snap StateSnapshot) *AgentExecutionState {
	s := NewAgentExecutionState(snap.ExecutionID, snap.AgentName, snap.Context)
	s.startedAt = snap.StartedAt
	s.iteration = snap.Iteration
	if snap.Status != "" && !snap.Status.IsTerminal() {
		s.status = snap.Status
	}
	s.results = append(s.results, snap.Results...)
	s.delegations.restore(snap.Delegations)
	return s
}
