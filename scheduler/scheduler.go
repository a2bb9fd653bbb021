// Package scheduler drives one validated plan to completion.
//
// The wave loop runs on the caller's goroutine. Ready actions (per the
// graph) are launched into free slots up to max_parallel, each on its own
// goroutine; the loop then blocks on the first completion (channels +
// select), updates state, applies the failure policy and refills slots.
// Progress is reported as StreamEvents in actual completion order.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/dispatch"
	"github.com/hupe1980/wavemesh/graph"
	"github.com/hupe1980/wavemesh/logging"
)

// DefaultMaxParallel applies to plans that leave max_parallel unset.
const DefaultMaxParallel = 4

// Dispatcher runs a single action. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, a core.Action, lookup dispatch.Lookup) (any, error)
}

// Options configure a Scheduler.
type Options struct {
	DefaultMaxParallel int
	Logger             logging.Logger
}

// Scheduler executes plans through a Dispatcher. It holds no per-plan state
// and may run many plans concurrently.
type Scheduler struct {
	dispatcher Dispatcher
	opts       Options
	instr      *instruments
}

// New creates a Scheduler.
func New(d Dispatcher, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		DefaultMaxParallel: DefaultMaxParallel,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.DefaultMaxParallel < 1 {
		opts.DefaultMaxParallel = DefaultMaxParallel
	}
	return &Scheduler{dispatcher: d, opts: opts, instr: loadInstruments(opts.Logger)}
}

// Report summarizes one plan run.
type Report struct {
	Completed  []string      `json:"completed"`
	Failed     []string      `json:"failed"`
	Cancelled  []string      `json:"cancelled"`
	NotStarted []string      `json:"not_started"`
	Deadlocked bool          `json:"deadlocked"`
	Stopped    bool          `json:"stopped"`
	StoppedBy  string        `json:"stopped_by,omitempty"`
	Detached   int           `json:"detached"`
	Duration   time.Duration `json:"duration"`

	detached     chan struct{}
	detachedOnce sync.Once
}

func newReport() *Report { return &Report{detached: make(chan struct{})} }

// release closes DetachedDone. Every exit path of a run calls it.
func (r *Report) release() { r.detachedOnce.Do(func() { close(r.detached) }) }

// HasFailures reports whether any action failed or was cancelled.
func (r *Report) HasFailures() bool { return len(r.Failed) > 0 || len(r.Cancelled) > 0 }

// DetachedDone is closed once every fire-and-forget action still running
// when the plan finished has delivered its terminal event.
func (r *Report) DetachedDone() <-chan struct{} { return r.detached }

// WaitDetached blocks until DetachedDone is closed or ctx is done.
func (r *Report) WaitDetached(ctx context.Context) error {
	select {
	case <-r.detached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DetachedGrace bounds how long AwaitDetached keeps waiting for detached
// actions after ctx is done.
const DetachedGrace = 5 * time.Second

// AwaitDetached is WaitDetached for callers about to return. When ctx ends
// first it gives detached actions up to DetachedGrace to observe the
// cancellation, then returns ctx.Err().
func (r *Report) AwaitDetached(ctx context.Context) error {
	err := r.WaitDetached(ctx)
	if err == nil {
		return nil
	}
	t := time.NewTimer(DetachedGrace)
	defer t.Stop()
	select {
	case <-r.detached:
	case <-t.C:
	}
	return err
}

// Payload renders the report for iteration events.
func (r *Report) Payload() map[string]any {
	return map[string]any{
		"completed":   len(r.Completed),
		"failed":      len(r.Failed),
		"cancelled":   len(r.Cancelled),
		"not_started": len(r.NotStarted),
		"deadlocked":  r.Deadlocked,
		"stopped":     r.Stopped,
		"detached":    r.Detached,
		"duration_ms": r.Duration.Milliseconds(),
	}
}

type completion struct {
	action core.Action
	result core.ActionResult
	out    any
	err    error
}

type run struct {
	s           *Scheduler
	plan        *core.ExecutionPlan
	g           *graph.Graph
	state       *core.AgentExecutionState
	sink        core.EventSink
	logger      logging.Logger
	maxParallel int

	done       chan completion
	satisfied  graph.Set
	launched   graph.Set
	terminal   graph.Set
	failed     graph.Set
	running    map[string]context.CancelFunc
	foreground int
	stopped    bool
	report     *Report
}

// Run drives plan to completion. The graph must have been built from plan
// and validated. Events are delivered to sink as they happen; the context
// is only written on terminal success of an action with an output key.
//
// Run returns a non-nil error only when ctx is cancelled before the plan
// finished; in-flight actions are cancelled and reported first. Action
// failures never surface as an error.
func (s *Scheduler) Run(ctx context.Context, plan *core.ExecutionPlan, g *graph.Graph, state *core.AgentExecutionState, sink core.EventSink) (*Report, error) {
	maxParallel := plan.MaxParallel
	if maxParallel < 1 {
		maxParallel = s.opts.DefaultMaxParallel
	}

	ctx, span := tracer.Start(ctx, "scheduler.Plan",
		trace.WithAttributes(
			attribute.String("plan.agent", plan.AgentName),
			attribute.Int("plan.iteration", plan.Iteration),
			attribute.Int("plan.action_count", len(plan.Actions)),
			attribute.Int("plan.max_parallel", maxParallel),
			attribute.Bool("plan.fail_fast", plan.FailFast),
		),
	)
	defer span.End()

	r := &run{
		s:           s,
		plan:        plan,
		g:           g,
		state:       state,
		sink:        sink,
		maxParallel: maxParallel,
		logger: logging.With(s.opts.Logger,
			"execution_id", state.ExecutionID(),
			"agent", plan.AgentName,
			"iteration", plan.Iteration,
		),
		done:      make(chan completion, g.Len()),
		satisfied: graph.NewSet(),
		launched:  graph.NewSet(),
		terminal:  graph.NewSet(),
		failed:    graph.NewSet(),
		running:   map[string]context.CancelFunc{},
		report:    newReport(),
	}

	start := time.Now()
	err := r.loop(ctx)
	r.report.Duration = time.Since(start)
	s.instr.planFinished(ctx, r.report.Duration, r.report)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case r.report.Stopped || r.report.Deadlocked:
		span.SetStatus(codes.Error, "plan ended early")
	default:
		span.SetStatus(codes.Ok, "")
	}

	r.logger.Info("Plan finished",
		"completed", len(r.report.Completed),
		"failed", len(r.report.Failed),
		"cancelled", len(r.report.Cancelled),
		"deadlocked", r.report.Deadlocked,
		"stopped", r.report.Stopped,
		"duration", r.report.Duration,
	)
	return r.report, err
}

func (r *run) loop(ctx context.Context) error {
	for {
		r.fill(ctx)
		ready := r.readyUnlaunched()

		if ctx.Err() != nil {
			return r.abandon(ctx)
		}

		if r.stopped {
			if len(r.running) == 0 {
				r.report.NotStarted = r.unlaunched()
				r.report.release()
				return nil
			}
		} else {
			if r.covered() {
				r.detach(ctx)
				return nil
			}
			if r.foreground == 0 && len(ready) == 0 {
				r.deadlock()
				r.detach(ctx)
				return nil
			}
		}

		select {
		case c := <-r.done:
			r.settle(ctx, c)
		case <-ctx.Done():
			return r.abandon(ctx)
		}
	}
}

// fill launches ready actions into free slots. Launching a fire-and-forget
// action can make its dependents ready at once, so it repeats until nothing
// new starts.
func (r *run) fill(ctx context.Context) {
	for !r.stopped && ctx.Err() == nil {
		started := false
		for _, a := range r.readyUnlaunched() {
			if len(r.running) >= r.maxParallel {
				return
			}
			r.launch(ctx, a)
			started = true
		}
		if !started {
			return
		}
	}
}

func (r *run) readyUnlaunched() []core.Action {
	var out []core.Action
	for _, a := range r.g.GetReadyActions(r.satisfied) {
		if !r.launched.Has(a.ID) {
			out = append(out, a)
		}
	}
	return out
}

// covered reports whether every foreground action is terminal and every
// fire-and-forget action has been launched.
func (r *run) covered() bool {
	for _, a := range r.g.Actions() {
		if a.IsFireAndForget() {
			if !r.launched.Has(a.ID) {
				return false
			}
			continue
		}
		if !r.terminal.Has(a.ID) {
			return false
		}
	}
	return true
}

func (r *run) unlaunched() []string {
	var out []string
	for _, a := range r.g.Actions() {
		if !r.launched.Has(a.ID) {
			out = append(out, a.ID)
		}
	}
	return out
}

func (r *run) emit(e core.StreamEvent) {
	if r.sink == nil {
		return
	}
	e.ExecutionID = r.state.ExecutionID()
	e.AgentName = r.plan.AgentName
	e.Iteration = r.plan.Iteration
	r.sink.Emit(e)
}

func (r *run) launch(ctx context.Context, a core.Action) {
	r.launched.Add(a.ID)
	if a.IsFireAndForget() {
		r.satisfied.Add(a.ID)
	} else {
		r.foreground++
	}

	actx, cancel := context.WithCancel(ctx)
	r.running[a.ID] = cancel

	r.emit(core.NewActionEvent(core.EventActionStarted, a, map[string]any{
		"action_type": string(a.Type),
		"target":      a.Target,
		"mode":        string(a.EffectiveMode()),
		"depends_on":  a.DependsOn,
	}))
	r.logger.Debug("Action started", "action_id", a.ID, "action_type", string(a.Type), "running", len(r.running))

	result := core.NewActionResult(a, r.plan.Iteration)
	info := core.ActionInfo{
		ExecutionID: r.state.ExecutionID(),
		AgentName:   r.plan.AgentName,
		Iteration:   r.plan.Iteration,
		ActionID:    a.ID,
		ActionName:  a.DisplayName(),
		Type:        a.Type,
	}
	if parent, ok := core.ActionInfoFromContext(ctx); ok {
		info.Depth = parent.Depth
	}

	go func() {
		sctx, span := tracer.Start(core.WithActionInfo(actx, info), "action "+a.ID,
			trace.WithAttributes(
				attribute.String("action.id", a.ID),
				attribute.String("action.type", string(a.Type)),
				attribute.String("action.target", a.Target),
				attribute.String("action.mode", string(a.EffectiveMode())),
				attribute.StringSlice("action.depends_on", a.DependsOn),
			),
		)
		r.s.instr.actionStarted(sctx, a)

		out, err := r.execute(sctx, a)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		r.done <- completion{action: a, result: result, out: out, err: err}
	}()
}

func (r *run) execute(ctx context.Context, a core.Action) (any, error) {
	if err := r.state.CountDelegation(a.Type); err != nil {
		return nil, &core.ActionError{ActionID: a.ID, Type: a.Type, Target: a.Target, Kind: core.ErrorTypeActionExecution, Err: err}
	}
	return r.s.dispatcher.Dispatch(ctx, a, r.state.Get)
}

// finish turns a completion into a terminal result, publishes the output,
// records the result and emits the terminal event. It touches no run
// bookkeeping so detached completions can use it too.
func (r *run) finish(ctx context.Context, c completion) core.ActionResult {
	a, res, err := c.action, c.result, c.err
	if err == nil && a.OutputKey != "" {
		if perr := r.state.Publish(a.OutputKey, c.out); perr != nil {
			err = &core.ActionError{ActionID: a.ID, Type: a.Type, Target: a.Target, Kind: core.ErrorTypeActionExecution, Err: perr}
		}
	}
	if err == nil {
		res.Complete(c.out)
	} else {
		res.Fail(err)
	}

	r.state.RecordResult(res)
	r.s.instr.actionFinished(ctx, res)
	r.emit(core.NewResultEvent(res))

	if err != nil {
		r.logger.Warn("Action failed",
			"action_id", a.ID,
			"action_type", string(a.Type),
			"status", string(res.Status),
			"error_type", res.ErrorType,
			"error", res.Error,
			"duration", res.Duration,
		)
		if a.IsFireAndForget() {
			r.emit(core.NewActionEvent(core.EventWarning, a, map[string]any{
				"reason":     "fire_and_forget_failed",
				"message":    fmt.Sprintf("fire-and-forget action %s failed: %s", a.ID, res.Error),
				"error_type": res.ErrorType,
			}))
		}
	} else {
		r.logger.Debug("Action completed", "action_id", a.ID, "duration", res.Duration)
	}
	return res
}

func (r *run) settle(ctx context.Context, c completion) {
	a := c.action
	if cancel, ok := r.running[a.ID]; ok {
		cancel()
		delete(r.running, a.ID)
	}
	if !a.IsFireAndForget() {
		r.foreground--
	}

	res := r.finish(ctx, c)
	r.terminal.Add(a.ID)

	switch res.Status {
	case core.ActionCompleted:
		r.satisfied.Add(a.ID)
		r.report.Completed = append(r.report.Completed, a.ID)
	case core.ActionCancelled:
		r.report.Cancelled = append(r.report.Cancelled, a.ID)
		r.failed.Add(a.ID)
	default:
		r.report.Failed = append(r.report.Failed, a.ID)
		r.failed.Add(a.ID)
		if r.plan.FailFast && !a.SkipOnError && !a.IsFireAndForget() && !r.stopped {
			r.stop(a, res)
		}
	}
}

// stop implements fail-fast: no further launches and cooperative
// cancellation of everything still running.
func (r *run) stop(a core.Action, res core.ActionResult) {
	r.stopped = true
	r.report.Stopped = true
	r.report.StoppedBy = a.ID

	inFlight := make([]string, 0, len(r.running))
	for id, cancel := range r.running {
		inFlight = append(inFlight, id)
		cancel()
	}
	sort.Strings(inFlight)

	r.emit(core.NewActionEvent(core.EventExecutionStopped, a, map[string]any{
		"reason":     "fail_fast",
		"error":      res.Error,
		"error_type": res.ErrorType,
		"cancelling": inFlight,
	}))
	r.logger.Warn("Plan stopped by failed action", "action_id", a.ID, "cancelling", inFlight)
}

func (r *run) deadlock() {
	blocked := r.unlaunched()
	causes := graph.NewSet()
	for _, id := range blocked {
		for _, anc := range r.g.Ancestors(id) {
			if r.failed.Has(anc) {
				causes.Add(anc)
			}
		}
	}

	reason := "deadlock"
	if len(causes) > 0 {
		reason = "blocked_by_failure"
	}
	r.report.Deadlocked = true
	r.report.NotStarted = blocked

	r.emit(core.NewStreamEvent(core.EventWarning, map[string]any{
		"reason":              reason,
		"error_type":          core.ErrorTypeDeadlock,
		"message":             fmt.Sprintf("no further progress possible: %d action(s) blocked", len(blocked)),
		"blocked":             blocked,
		"failed_dependencies": causes.Sorted(),
	}))
	r.logger.Warn("Plan deadlocked", "reason", reason, "blocked", blocked)
}

// detach hands fire-and-forget actions that are still running to a
// background drainer.
func (r *run) detach(ctx context.Context) {
	n := len(r.running)
	r.report.Detached = n
	if n == 0 {
		r.report.release()
		return
	}
	cancels := make([]context.CancelFunc, 0, n)
	for _, cancel := range r.running {
		cancels = append(cancels, cancel)
	}
	r.running = map[string]context.CancelFunc{}

	go func() {
		defer r.report.release()
		for i := 0; i < n; i++ {
			r.finish(ctx, <-r.done)
		}
		for _, cancel := range cancels {
			cancel()
		}
	}()
}

// abandon cancels everything in flight after the caller went away and
// waits for the dispatcher to report each cancellation.
func (r *run) abandon(ctx context.Context) error {
	r.stopped = true
	for _, cancel := range r.running {
		cancel()
	}
	bg := context.WithoutCancel(ctx)
	for len(r.running) > 0 {
		r.settle(bg, <-r.done)
	}
	r.report.NotStarted = r.unlaunched()
	r.report.release()
	r.logger.Warn("Plan abandoned", "error", ctx.Err())
	return fmt.Errorf("plan execution cancelled: %w", ctx.Err())
}
