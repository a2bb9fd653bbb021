package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/wavemesh/agent"
	"github.com/hupe1980/wavemesh/checkpoint"
	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

// ErrEngineClosed is returned by Invoke after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// Config defines tuning parameters for the Engine.
type Config struct {
	// MaxConcurrentInvocations limits how many executions run at once.
	// Further invocations wait for a slot. Zero means unlimited.
	MaxConcurrentInvocations int

	// EventBufferSize sets the buffer of the per-invocation event channel.
	EventBufferSize int

	// MaxDelegationDepth bounds how deep agent actions may nest agents.
	MaxDelegationDepth int
}

// DefaultConfig provides the default engine configuration.
var DefaultConfig = Config{
	MaxConcurrentInvocations: 10,
	EventBufferSize:          100,
	MaxDelegationDepth:       3,
}

// Agent is an agent the engine can run. *agent.LoopAgent implements it.
type Agent interface {
	Name() string
	NewState(executionID string, input map[string]any) *core.AgentExecutionState
	RestoreState(snap core.StateSnapshot) *core.AgentExecutionState
	Run(ctx context.Context, state *core.AgentExecutionState, sink core.EventSink) (*agent.Result, error)
}

// RegistrySink receives execution lifecycle callbacks for audit.
// *registry.Registry implements it.
type RegistrySink interface {
	RegisterExecution(req core.ExecutionRequest) string
	MarkRunning(id string) error
	UpdateExecution(id string, result core.ExecutionResult) error
}

// Options configures an Engine.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Registry receives lifecycle callbacks for every execution, nested
	// ones included. Nil disables auditing.
	Registry RegistrySink

	// Checkpoints stores the execution state after every iteration. Nil
	// disables checkpointing and Resume.
	Checkpoints checkpoint.Store

	// Callbacks holds lifecycle hooks.
	Callbacks *CallbackManager

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// Engine hosts named agents and runs their executions. It streams every
// execution's events to the caller, mirrors the lifecycle into the
// registry, checkpoints between iterations and lets callers stop an
// execution by id. All methods are safe for concurrent use.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) { o.Registry = reg })
//	eng.Register(researcher)
//
//	id, events, errs, err := eng.Invoke(ctx, "researcher", map[string]any{"topic": "go"})
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    render(ev)
//	}
//	if err := <-errs; err != nil {
//	    log.Printf("execution %s: %v", id, err)
//	}
type Engine struct {
	config      Config
	registry    RegistrySink
	checkpoints checkpoint.Store
	callbacks   *CallbackManager
	logger      logging.Logger

	mu     sync.RWMutex
	agents map[string]Agent

	invocationsMu     sync.Mutex
	activeInvocations map[string]context.CancelFunc
	closed            bool

	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates an Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Config.EventBufferSize < 0 {
		opts.Config.EventBufferSize = 0
	}
	if opts.Config.MaxDelegationDepth < 1 {
		opts.Config.MaxDelegationDepth = DefaultConfig.MaxDelegationDepth
	}

	e := &Engine{
		config:            opts.Config,
		registry:          opts.Registry,
		checkpoints:       opts.Checkpoints,
		callbacks:         opts.Callbacks,
		logger:            opts.Logger,
		agents:            make(map[string]Agent),
		activeInvocations: make(map[string]context.CancelFunc),
	}
	if n := opts.Config.MaxConcurrentInvocations; n > 0 {
		e.slots = make(chan struct{}, n)
	}
	return e
}

// Register adds an agent under its name, replacing any previous one.
func (e *Engine) Register(a Agent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[a.Name()] = a
}

// GetAgent returns the agent registered under name.
func (e *Engine) GetAgent(name string) (Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[name]
	return a, ok
}

// Agents returns the registered agent names, sorted.
func (e *Engine) Agents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.agents))
	for name := range e.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Callbacks returns the engine's callback manager.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Invoke starts an execution of agentName and returns its id together with
// the event stream and a channel carrying the terminal error, if any.
//
// The events channel is closed after the final agent_completed or
// agent_failed event; the error channel is written before that and closed
// after it. Cancelling ctx abandons the execution: it is marked Cancelled
// and events are no longer delivered. StopInvocation cancels it while
// still delivering the remaining events.
func (e *Engine) Invoke(
	ctx context.Context,
	agentName string,
	input map[string]any,
) (string, <-chan core.StreamEvent, <-chan error, error) {
	a, ok := e.GetAgent(agentName)
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, agentName)
	}
	id := e.register(core.ExecutionRequest{EntityType: core.EntityAgent, EntityName: agentName, Input: input})
	return e.start(ctx, a, a.NewState(id, input))
}

// Resume continues an execution from its last checkpoint under the same id.
func (e *Engine) Resume(ctx context.Context, executionID string) (string, <-chan core.StreamEvent, <-chan error, error) {
	if e.checkpoints == nil {
		return "", nil, nil, errors.New("checkpointing is disabled")
	}
	snap, err := e.checkpoints.Load(ctx, executionID)
	if err != nil {
		return "", nil, nil, err
	}
	a, ok := e.GetAgent(snap.AgentName)
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", core.ErrAgentNotFound, snap.AgentName)
	}
	e.register(core.ExecutionRequest{ExecutionID: executionID, EntityType: core.EntityAgent, EntityName: snap.AgentName})
	return e.start(ctx, a, a.RestoreState(snap))
}

// InvokeSync runs agentName to completion and returns every event.
func (e *Engine) InvokeSync(
	ctx context.Context,
	agentName string,
	input map[string]any,
) (string, []core.StreamEvent, error) {
	id, eventsCh, errorsCh, err := e.Invoke(ctx, agentName, input)
	if err != nil {
		return "", nil, err
	}

	var events []core.StreamEvent
	for {
		select {
		case <-ctx.Done():
			return id, events, ctx.Err()
		case ev, ok := <-eventsCh:
			if !ok {
				return id, events, <-errorsCh
			}
			events = append(events, ev)
		}
	}
}

// StopInvocation cancels a running execution. It ends as Cancelled.
func (e *Engine) StopInvocation(executionID string) error {
	e.invocationsMu.Lock()
	cancel, exists := e.activeInvocations[executionID]
	e.invocationsMu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s is not running", core.ErrExecutionNotFound, executionID)
	}
	e.logger.Info("Stopping execution", "execution_id", executionID)
	cancel()
	return nil
}

// ActiveInvocations returns the ids of running executions, sorted.
func (e *Engine) ActiveInvocations() []string {
	e.invocationsMu.Lock()
	defer e.invocationsMu.Unlock()
	ids := make([]string, 0, len(e.activeInvocations))
	for id := range e.activeInvocations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown rejects new invocations, cancels the running ones and waits for
// them to finish or for ctx to be done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.invocationsMu.Lock()
	e.closed = true
	for _, cancel := range e.activeInvocations {
		cancel()
	}
	e.invocationsMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) register(req core.ExecutionRequest) string {
	if e.registry == nil {
		if req.ExecutionID != "" {
			return req.ExecutionID
		}
		return core.NewID()
	}
	return e.registry.RegisterExecution(req)
}

func (e *Engine) start(ctx context.Context, a Agent, state *core.AgentExecutionState) (string, <-chan core.StreamEvent, <-chan error, error) {
	id := state.ExecutionID()
	invocationCtx, cancel := context.WithCancel(ctx)

	e.invocationsMu.Lock()
	if e.closed {
		e.invocationsMu.Unlock()
		cancel()
		e.update(id, core.ExecutionResult{Status: core.StatusCancelled, Error: ErrEngineClosed.Error()})
		return "", nil, nil, ErrEngineClosed
	}
	if _, running := e.activeInvocations[id]; running {
		e.invocationsMu.Unlock()
		cancel()
		return "", nil, nil, fmt.Errorf("execution %s is already running", id)
	}
	e.activeInvocations[id] = cancel
	e.wg.Add(1)
	e.invocationsMu.Unlock()

	eventsCh := make(chan core.StreamEvent, e.config.EventBufferSize)
	errorsCh := make(chan error, 1)
	out := &stream{ch: eventsCh, done: ctx.Done()}

	go func() {
		defer e.wg.Done()

		acquired := e.acquire(invocationCtx)
		_, err := e.execute(invocationCtx, a, state, out)
		if acquired {
			e.release()
		}

		// Consumers see the execution as inactive once the stream closes.
		e.invocationsMu.Lock()
		delete(e.activeInvocations, id)
		e.invocationsMu.Unlock()
		cancel()

		if err != nil {
			errorsCh <- fmt.Errorf("agent execution failed: %w", err)
		}
		out.close()
		close(errorsCh)
	}()

	return id, eventsCh, errorsCh, nil
}

func (e *Engine) acquire(ctx context.Context) bool {
	if e.slots == nil {
		return false
	}
	select {
	case e.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) release() { <-e.slots }

// execute runs one execution to a terminal status with registry updates,
// checkpoints and callbacks around it.
func (e *Engine) execute(ctx context.Context, a Agent, state *core.AgentExecutionState, sink core.EventSink) (*agent.Result, error) {
	id := state.ExecutionID()
	logger := logging.With(e.logger, "execution_id", id, "agent", a.Name())

	if e.registry != nil {
		if err := e.registry.MarkRunning(id); err != nil {
			logger.Warn("Registry update failed", "error", err)
		}
	}

	cc := &CallbackContext{ExecutionID: id, AgentName: a.Name(), State: state}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeAgent, cc); err != nil {
		return e.rejected(ctx, a, state, sink, err)
	}

	observed := core.EventSinkFunc(func(ev core.StreamEvent) {
		if ev.Type == core.EventIterationCompleted {
			e.checkpoint(ctx, state, logger)
			if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterIteration, &CallbackContext{
				ExecutionID: id, AgentName: a.Name(), State: state, Event: &ev,
			}); err != nil {
				logger.Warn("Callback failed", "error", err)
			}
		}
		if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnEvent, &CallbackContext{
			ExecutionID: id, AgentName: a.Name(), State: state, Event: &ev,
		}); err != nil {
			logger.Warn("Callback failed", "error", err)
		}
		if sink != nil {
			sink.Emit(ev)
		}
	})

	res, err := a.Run(ctx, state, observed)
	e.finish(ctx, a, state, res, err, logger)
	return res, err
}

// rejected ends an execution refused by a before_agent callback. It still
// produces the single final event.
func (e *Engine) rejected(ctx context.Context, a Agent, state *core.AgentExecutionState, sink core.EventSink, cause error) (*agent.Result, error) {
	state.SetStatus(core.StatusFailed)
	res := &agent.Result{
		ExecutionID: state.ExecutionID(),
		Status:      core.StatusFailed,
		Iterations:  state.Iteration(),
		Error:       cause.Error(),
		Context:     state.Context(),
	}
	if sink != nil {
		ev := core.NewStreamEvent(core.EventAgentFailed, map[string]any{
			"status":     string(res.Status),
			"error":      res.Error,
			"error_type": core.ErrorTypeLoopFailure,
			"phase":      string(CallbackBeforeAgent),
		})
		ev.ExecutionID = state.ExecutionID()
		ev.AgentName = a.Name()
		sink.Emit(ev)
	}
	e.finish(ctx, a, state, res, cause, logging.With(e.logger, "execution_id", state.ExecutionID()))
	return res, cause
}

func (e *Engine) finish(ctx context.Context, a Agent, state *core.AgentExecutionState, res *agent.Result, err error, logger logging.Logger) {
	id := state.ExecutionID()
	e.update(id, res.Summary())

	if e.checkpoints != nil && res.Status == core.StatusCompleted {
		if derr := e.checkpoints.Delete(context.WithoutCancel(ctx), id); derr != nil {
			logger.Warn("Checkpoint delete failed", "error", derr)
		}
	}

	cc := &CallbackContext{ExecutionID: id, AgentName: a.Name(), State: state, Result: res, Err: err}
	if err != nil {
		if cerr := e.callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), CallbackOnError, cc); cerr != nil {
			logger.Warn("Callback failed", "error", cerr)
		}
	}
	if cerr := e.callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), CallbackAfterAgent, cc); cerr != nil {
		logger.Warn("Callback failed", "error", cerr)
	}
}

func (e *Engine) update(id string, result core.ExecutionResult) {
	if e.registry == nil {
		return
	}
	if err := e.registry.UpdateExecution(id, result); err != nil {
		e.logger.Warn("Registry update failed", "execution_id", id, "error", err)
	}
}

func (e *Engine) checkpoint(ctx context.Context, state *core.AgentExecutionState, logger logging.Logger) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Save(context.WithoutCancel(ctx), state.Snapshot()); err != nil {
		logger.Warn("Checkpoint save failed", "error", err, "iteration", state.Iteration())
	}
}

// stream is the EventSink behind an invocation's events channel. Sends
// block while the caller is still listening; nothing is sent after close.
type stream struct {
	mu     sync.Mutex
	ch     chan core.StreamEvent
	done   <-chan struct{}
	closed bool
}

func (s *stream) Emit(ev core.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
