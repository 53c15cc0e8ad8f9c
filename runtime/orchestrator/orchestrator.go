// Package orchestrator assembles the process planes behind one facade:
// session bindings, the shared connection manager, health monitoring, the
// optional warm pool and dispatch worker. Clients attach to a session and
// get back a handle that drives turns, approvals, and history resets over
// their event sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/switchboard-ai/switchboard/runtime/conversation"
	"github.com/switchboard-ai/switchboard/runtime/dispatch"
	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/health"
	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/pool"
	"github.com/switchboard-ai/switchboard/runtime/session"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/turn"
)

type (
	// ConnectionPlane is the slice of the connection manager the facade
	// drives: tool brokering for the engines plus plane lifecycle.
	ConnectionPlane interface {
		turn.ToolBroker
		Initialize(ctx context.Context) error
		Cleanup(ctx context.Context) error
	}

	// SessionPlane is the slice of the session manager the facade needs.
	// Satisfied by *session.Manager.
	SessionPlane interface {
		Acquire(ctx context.Context, sessionID string, opts session.AcquireOptions) (session.Binding, error)
		Heartbeat(ctx context.Context, sessionID string) (session.Binding, error)
	}

	// TurnDefaults are stamped onto every session engine the facade builds.
	TurnDefaults struct {
		SystemPrompt     string
		MaxDepth         int
		MaxHistoryTokens int
		MaxOutputTokens  int
		Temperature      float32

		// MaxInFlight caps concurrent requests per attached client. Zero
		// means turn.DefaultMaxInFlight.
		MaxInFlight int
	}

	// Orchestrator owns the shared planes and the set of attached clients.
	Orchestrator struct {
		llm      model.Client
		sessions SessionPlane
		conns    ConnectionPlane
		conv     conversation.Store

		defaults TurnDefaults
		executor turn.Executor

		monitor *health.Monitor
		janitor *session.Janitor
		pool    *pool.Pool
		worker  *dispatch.Worker

		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu     sync.Mutex
		closed bool
		active map[*ClientSession]struct{}
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// WithTurnDefaults sets the per-session turn parameters.
func WithTurnDefaults(d TurnDefaults) Option {
	return func(o *Orchestrator) { o.defaults = d }
}

// WithExecutor overrides how approved calls execute. Worker mode installs
// the dispatch executor; the default runs calls in-process.
func WithExecutor(x turn.Executor) Option {
	return func(o *Orchestrator) { o.executor = x }
}

// WithHealthMonitor hands the facade the monitor's lifecycle.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

// WithJanitor hands the facade the idle-session janitor's lifecycle.
func WithJanitor(j *session.Janitor) Option {
	return func(o *Orchestrator) { o.janitor = j }
}

// WithPool hands the facade the warm sandbox pool's lifecycle.
func WithPool(p *pool.Pool) Option {
	return func(o *Orchestrator) { o.pool = p }
}

// WithWorker hands the facade the dispatch worker pool's lifecycle.
func WithWorker(w *dispatch.Worker) Option {
	return func(o *Orchestrator) { o.worker = w }
}

// WithLogger sets the facade logger, shared with the engines it builds.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the facade metrics sink, shared with the engines.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = mt }
}

// New builds the facade over the shared planes. Lifecycle components are
// optional; Start and Shutdown skip what was never installed.
func New(llm model.Client, sessions SessionPlane, conns ConnectionPlane, conv conversation.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:      llm,
		sessions: sessions,
		conns:    conns,
		conv:     conv,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		active:   make(map[*ClientSession]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start brings up the planes: tool server connections first, then the
// optional pool, health monitor, janitor, and dispatch worker. A component
// failure rolls back whatever already started.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.conns.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize connection plane: %w", err)
	}
	if o.pool != nil {
		o.pool.Start(ctx)
	}
	if o.monitor != nil {
		if err := o.monitor.Start(ctx); err != nil {
			_ = o.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("start health monitor: %w", err)
		}
	}
	if o.janitor != nil {
		if err := o.janitor.Start(ctx); err != nil {
			_ = o.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("start session janitor: %w", err)
		}
	}
	if o.worker != nil {
		if err := o.worker.Start(ctx); err != nil {
			_ = o.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("start dispatch worker: %w", err)
		}
	}
	o.logger.Info(ctx, "orchestrator started",
		"provider", o.llm.Provider(), "model", o.llm.Model())
	return nil
}

// Attach binds a client to sessionID, creating the sandbox when the session
// is new, and builds the session engine over sink. The client hears a ready
// event before Attach returns. The handle stays valid until Close or
// Shutdown; closing it keeps the session record so the client can reconnect.
func (o *Orchestrator) Attach(ctx context.Context, sessionID string, sink stream.Sink) (*ClientSession, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fault.New(fault.Conflict, "shutting_down", "orchestrator is shutting down")
	}
	o.mu.Unlock()

	b, err := o.sessions.Acquire(ctx, sessionID, session.AcquireOptions{})
	if err != nil {
		return nil, err
	}

	cfg := turn.Config{
		SessionID:        sessionID,
		SystemPrompt:     o.defaults.SystemPrompt,
		MaxDepth:         o.defaults.MaxDepth,
		MaxHistoryTokens: o.defaults.MaxHistoryTokens,
		MaxOutputTokens:  o.defaults.MaxOutputTokens,
		Temperature:      o.defaults.Temperature,
	}
	engOpts := []turn.EngineOption{
		turn.WithEngineLogger(o.logger),
		turn.WithEngineMetrics(o.metrics),
	}
	if o.executor != nil {
		engOpts = append(engOpts, turn.WithExecutor(o.executor))
	}
	cs := &ClientSession{
		id:     sessionID,
		orc:    o,
		engine: turn.NewEngine(cfg, o.llm, o.conns, o.conv, sink, engOpts...),
		gate:   turn.NewGate(o.defaults.MaxInFlight),
		sink:   sink,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cs.engine.Cleanup()
		return nil, fault.New(fault.Conflict, "shutting_down", "orchestrator is shutting down")
	}
	o.active[cs] = struct{}{}
	o.mu.Unlock()

	if err := sink.Send(ctx, stream.Ready(sessionID, b.SandboxID, o.llm.Provider(), o.llm.Model())); err != nil {
		cs.Close()
		return nil, fault.Wrap(fault.Cancelled, "client_gone", err, "ready event delivery failed")
	}
	o.metrics.IncCounter("orchestrator.attach", 1)
	o.logger.Info(ctx, "client attached", "session", sessionID, "sandbox", b.SandboxID)
	return cs, nil
}

// Shutdown drains the facade. Attached clients are notified and their
// engines cancelled, then the janitor, health monitor, dispatch worker,
// warm pool, and tool server connections stop in that order. Session
// records stay in the state store for reconnects after restart.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	attached := make([]*ClientSession, 0, len(o.active))
	for cs := range o.active {
		attached = append(attached, cs)
	}
	o.active = nil
	o.mu.Unlock()

	for _, cs := range attached {
		cs.notifyShutdown(ctx)
		cs.Close()
	}

	var errs []error
	if o.janitor != nil {
		o.janitor.Stop()
	}
	if o.monitor != nil {
		if err := o.monitor.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop health monitor: %w", err))
		}
	}
	if o.worker != nil {
		o.worker.Stop()
	}
	if o.pool != nil {
		if err := o.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shut down sandbox pool: %w", err))
		}
	}
	if err := o.conns.Cleanup(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close tool server connections: %w", err))
	}
	o.logger.Info(ctx, "orchestrator stopped", "clients", len(attached))
	return errors.Join(errs...)
}

func (o *Orchestrator) detach(cs *ClientSession) {
	o.mu.Lock()
	delete(o.active, cs)
	o.mu.Unlock()
}
