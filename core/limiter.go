package core

import (
	"fmt"
	"sync"
)

// DelegationLimiter counts delegated calls per action type and enforces an
// optional maximum per type. A missing or zero maximum means unlimited.
type DelegationLimiter struct {
	max    map[ActionType]int
	counts map[ActionType]int
	mu     sync.Mutex
}

// NewDelegationLimiter creates a limiter with per-type maxima.
func NewDelegationLimiter(max map[ActionType]int) *DelegationLimiter {
	m := make(map[ActionType]int, len(max))
	for k, v := range max {
		m[k] = v
	}
	return &DelegationLimiter{max: m, counts: map[ActionType]int{}}
}

// Increment records one call of type t and returns ErrDelegationLimit once
// the maximum is exceeded.
func (l *DelegationLimiter) Increment(t ActionType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[t]++
	if max := l.max[t]; max > 0 && l.counts[t] > max {
		return fmt.Errorf("%w: %s calls exceed %d", ErrDelegationLimit, t, max)
	}

	return nil
}

// Count returns the number of calls recorded for t.
func (l *DelegationLimiter) Count(t ActionType) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.counts[t]
}

// Counts returns a copy of all counters keyed "<type>_calls".
func (l *DelegationLimiter) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int, len(l.counts))
	for t, n := range l.counts {
		out[string(t)+"_calls"] = n
	}
	return out
}

// Remaining returns how many calls of type t are left, or -1 when unlimited.
func (l *DelegationLimiter) Remaining(t ActionType) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	max := l.max[t]
	if max <= 0 {
		return -1
	}
	if rem := max - l.counts[t]; rem > 0 {
		return rem
	}
	return 0
}

func (l *DelegationLimiter) restore(counts map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range ActionTypes {
		if n, ok := counts[string(t)+"_calls"]; ok {
			l.counts[t] = n
		}
	}
}
