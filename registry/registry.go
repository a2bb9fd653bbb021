// Package registry keeps a bounded, queryable audit log of executions.
//
// Summaries live in a fixed-capacity ring buffer; once it is full the
// oldest summary is evicted for every new registration, whatever its
// status. The registry is an explicitly constructed value, never a process
// global, and is safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

// DefaultCapacity is the history size used when none is configured.
const DefaultCapacity = 1000

// ErrNonTerminalStatus is returned by UpdateExecution for a result that is
// not terminal. Use MarkRunning to start an execution.
var ErrNonTerminalStatus = errors.New("registry: update requires a terminal status")

// Options configure a Registry.
type Options struct {
	// Capacity bounds the number of summaries kept.
	Capacity int
	// Registerer receives the registry's prometheus collectors. Nil keeps
	// them unregistered.
	Registerer prometheus.Registerer
	// Now is the clock; tests replace it.
	Now    func() time.Time
	Logger logging.Logger
}

// Registry is a ring buffer of execution summaries.
type Registry struct {
	opts    Options
	metrics *metrics

	mu    sync.RWMutex
	ring  []core.ExecutionSummary
	next  uint64
	index map[string]uint64
}

// New creates an empty Registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Capacity: DefaultCapacity,
		Now:      time.Now,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity < 1 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Registry{
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
		ring:    make([]core.ExecutionSummary, opts.Capacity),
		index:   map[string]uint64{},
	}
}

// Capacity returns the maximum number of summaries kept.
func (r *Registry) Capacity() int { return len(r.ring) }

// Len returns the number of summaries currently kept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

func (r *Registry) slot(seq uint64) int { return int(seq % uint64(len(r.ring))) }

// lookup returns the ring slot of id. Callers hold the lock.
func (r *Registry) lookup(id string) (int, error) {
	seq, ok := r.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, id)
	}
	return r.slot(seq), nil
}

// RegisterExecution records a Pending summary for req and returns its id.
// If req names an execution that is still kept, that summary is reset to
// Pending instead.
func (r *Registry) RegisterExecution(req core.ExecutionRequest) string {
	id := req.ExecutionID
	if id == "" {
		id = core.NewID()
	}
	now := r.opts.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, err := r.lookup(id); err == nil {
		s := &r.ring[slot]
		if s.Status == core.StatusRunning {
			r.metrics.running.Dec()
		}
		s.Status = core.StatusPending
		s.StartedAt, s.CompletedAt = time.Time{}, time.Time{}
		s.Duration, s.Error = 0, ""
		r.opts.Logger.Debug("Execution reopened", "execution_id", id)
		return id
	}

	if r.next >= uint64(len(r.ring)) {
		r.evict(r.slot(r.next))
	}
	r.ring[r.slot(r.next)] = core.ExecutionSummary{
		ExecutionID: id,
		EntityType:  req.EntityType,
		EntityName:  req.EntityName,
		Status:      core.StatusPending,
		CreatedAt:   now,
	}
	r.index[id] = r.next
	r.next++

	r.metrics.registered.WithLabelValues(string(req.EntityType)).Inc()
	r.opts.Logger.Debug("Execution registered", "execution_id", id, "entity_type", string(req.EntityType), "entity_name", req.EntityName)
	return id
}

func (r *Registry) evict(slot int) {
	old := r.ring[slot]
	delete(r.index, old.ExecutionID)
	if old.Status == core.StatusRunning {
		r.metrics.running.Dec()
	}
	r.metrics.evicted.Inc()
	r.opts.Logger.Debug("Execution evicted", "execution_id", old.ExecutionID, "status", string(old.Status))
}

// MarkRunning moves a Pending summary to Running.
func (r *Registry) MarkRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.lookup(id)
	if err != nil {
		return err
	}
	s := &r.ring[slot]
	if s.Status != core.StatusPending {
		return nil
	}
	s.Status = core.StatusRunning
	s.StartedAt = r.opts.Now().UTC()
	r.metrics.running.Inc()
	return nil
}

// UpdateExecution mirrors a terminal result into the summary. Updates
// after the first terminal one are ignored.
func (r *Registry) UpdateExecution(id string, result core.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !result.Status.IsTerminal() {
		return fmt.Errorf("%w: %q", ErrNonTerminalStatus, result.Status)
	}
	s := &r.ring[slot]
	if s.Status.IsTerminal() {
		return nil
	}
	if s.Status == core.StatusRunning {
		r.metrics.running.Dec()
	}

	now := r.opts.Now().UTC()
	start := s.StartedAt
	if start.IsZero() {
		start = s.CreatedAt
	}
	s.Status = result.Status
	s.Error = result.Error
	s.Iterations = result.Iterations
	s.CompletedAt = now
	s.Duration = now.Sub(start)
	r.metrics.finished.WithLabelValues(string(s.EntityType), string(s.Status)).Inc()
	r.metrics.duration.WithLabelValues(string(s.EntityType), string(s.Status)).Observe(s.Duration.Seconds())
	return nil
}

// GetExecution returns the summary of id.
func (r *Registry) GetExecution(id string) (core.ExecutionSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, err := r.lookup(id)
	if err != nil {
		return core.ExecutionSummary{}, err
	}
	return r.ring[slot], nil
}

// Filter narrows ListExecutions. Zero fields match everything.
type Filter struct {
	EntityType core.EntityType      `form:"entity_type"`
	EntityName string               `form:"entity_name"`
	Status     core.ExecutionStatus `form:"status"`
	Since      time.Time            `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit      int                  `form:"limit"`
}

func (f Filter) match(s core.ExecutionSummary) bool {
	switch {
	case f.EntityType != "" && s.EntityType != f.EntityType:
		return false
	case f.EntityName != "" && s.EntityName != f.EntityName:
		return false
	case f.Status != "" && s.Status != f.Status:
		return false
	case !f.Since.IsZero() && s.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// ListExecutions returns the matching summaries, newest first.
func (r *Registry) ListExecutions(f Filter) []core.ExecutionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.ExecutionSummary
	r.each(func(s core.ExecutionSummary) bool {
		if f.match(s) {
			out = append(out, s)
		}
		return f.Limit <= 0 || len(out) < f.Limit
	})
	return out
}

// each walks the kept summaries newest first until fn returns false.
// Callers hold the lock.
func (r *Registry) each(fn func(core.ExecutionSummary) bool) {
	for seq := r.next; seq > r.oldest(); seq-- {
		if !fn(r.ring[r.slot(seq-1)]) {
			return
		}
	}
}

func (r *Registry) oldest() uint64 {
	if n := uint64(len(r.ring)); r.next > n {
		return r.next - n
	}
	return 0
}

// Statistics aggregates the kept summaries.
type Statistics struct {
	Total        int                          `json:"total"`
	Running      int                          `json:"running"`
	ByEntityType map[core.EntityType]int      `json:"by_entity_type"`
	ByEntityName map[string]int               `json:"by_entity_name"`
	ByStatus     map[core.ExecutionStatus]int `json:"by_status"`
	Last24h      Window                       `json:"last_24h"`
	AvgDuration  time.Duration                `json:"avg_duration"`
	Capacity     int                          `json:"capacity"`
}

// Window counts executions created inside a rolling time window.
type Window struct {
	Total    int                          `json:"total"`
	ByStatus map[core.ExecutionStatus]int `json:"by_status"`
}

// GetStatistics returns counts by entity and status, the rolling 24h
// activity and the average duration of finished executions.
func (r *Registry) GetStatistics() Statistics {
	now := r.opts.Now()
	since := now.Add(-24 * time.Hour)

	stats := Statistics{
		ByEntityType: map[core.EntityType]int{},
		ByEntityName: map[string]int{},
		ByStatus:     map[core.ExecutionStatus]int{},
		Last24h:      Window{ByStatus: map[core.ExecutionStatus]int{}},
		Capacity:     len(r.ring),
	}

	var finished int
	var total time.Duration

	r.mu.RLock()
	r.each(func(s core.ExecutionSummary) bool {
		stats.Total++
		stats.ByEntityType[s.EntityType]++
		stats.ByEntityName[s.EntityName]++
		stats.ByStatus[s.Status]++
		if s.Status == core.StatusRunning {
			stats.Running++
		}
		if !s.CreatedAt.Before(since) {
			stats.Last24h.Total++
			stats.Last24h.ByStatus[s.Status]++
		}
		if s.Status.IsTerminal() {
			finished++
			total += s.Duration
		}
		return true
	})
	r.mu.RUnlock()

	if finished > 0 {
		stats.AvgDuration = total / time.Duration(finished)
	}
	return stats
}

// EntityNames returns the distinct entity names seen, sorted.
func (s Statistics) EntityNames() []string {
	out := make([]string, 0, len(s.ByEntityName))
	for name := range s.ByEntityName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
