// Package connection maintains live transports to the registered tool
// servers and presents them as one aggregate, namespaced tool catalog.
package connection

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/toolserver"
	"github.com/switchboard-ai/switchboard/runtime/transport"
)

// HealthProbeTimeout bounds a single capability probe.
const HealthProbeTimeout = 5 * time.Second

type (
	// Manager owns the transports for all connected tool servers. It keeps
	// connections in sync with the registry, resolves namespaced tool names,
	// and routes executions.
	Manager struct {
		registry *toolserver.Registry
		dialer   Dialer
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu         sync.RWMutex
		conns      map[string]*conn
		order      []string
		connecting map[string]struct{}
		lastErr    map[string]error
		closed     bool

		watchCancel context.CancelFunc
		watchDone   chan struct{}
	}

	// ManagerOption configures a Manager.
	ManagerOption func(*Manager)

	// Info is a point-in-time description of one server connection.
	Info struct {
		Name        string
		Connected   bool
		Handshake   transport.Handshake
		ToolCount   int
		ConnectedAt time.Time
		LastError   error
	}

	conn struct {
		name string
		cfg  toolserver.ServerConfig
		tr   transport.Transport
		hs   transport.Handshake

		mu          sync.RWMutex
		tools       []transport.ToolInfo
		connectedAt time.Time
	}
)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics sets the manager metrics sink.
func WithManagerMetrics(mt telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager builds a manager over registry, dialing transports with dialer.
func NewManager(registry *toolserver.Registry, dialer Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:   registry,
		dialer:     dialer,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		conns:      make(map[string]*conn),
		connecting: make(map[string]struct{}),
		lastErr:    make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize connects every enabled server when autoConnect is set and
// starts tracking registry changes. Individual connection failures are
// logged, not returned: a broken server must not block the rest.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.registry.Settings().AutoConnect {
		for _, name := range m.registry.EnabledNames() {
			if err := m.Connect(ctx, name); err != nil {
				m.logger.Warn(ctx, "tool server connection failed", "server", name, "err", err)
			}
		}
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := m.registry.Subscribe(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to registry events: %w", err)
	}
	m.mu.Lock()
	m.watchCancel = cancel
	m.watchDone = make(chan struct{})
	m.mu.Unlock()
	go m.watch(watchCtx, sub)
	return nil
}

// Connect dials the named server and performs the protocol handshake.
// Connecting an already connected server is a no-op.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if !cfg.IsEnabled() {
		return fault.Errorf(fault.Validation, "server_disabled", "tool server %q is disabled", name)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fault.Errorf(fault.Validation, "manager_closed", "connection manager is closed")
	}
	if _, ok := m.conns[name]; ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.connecting[name]; ok {
		m.mu.Unlock()
		return nil
	}
	m.connecting[name] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connecting, name)
		m.mu.Unlock()
	}()

	tr, err := m.dialer.Dial(ctx, name, cfg)
	if err != nil {
		m.recordError(name, err)
		return fmt.Errorf("dial %s: %w", name, err)
	}
	hs, err := tr.Connect(ctx)
	if err != nil {
		tr.Close()
		m.recordError(name, err)
		return fmt.Errorf("initialize %s: %w", name, err)
	}

	c := &conn{name: name, cfg: cfg, tr: tr, hs: hs, connectedAt: time.Now()}
	if tools, err := tr.ListTools(ctx); err != nil {
		// The catalog warms on the next health probe.
		m.logger.Warn(ctx, "tool listing failed after connect", "server", name, "err", err)
	} else {
		c.tools = tools
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		tr.Close()
		return fault.Errorf(fault.Validation, "manager_closed", "connection manager is closed")
	}
	m.conns[name] = c
	m.order = append(m.order, name)
	delete(m.lastErr, name)
	m.mu.Unlock()

	m.metrics.IncCounter("toolserver.connect", 1, "server", name)
	m.logger.Info(ctx, "tool server connected",
		"server", name, "transport", cfg.Transport, "protocol", hs.ProtocolVersion, "tools", len(c.tools))
	return nil
}

// Disconnect closes the named connection. Unknown names are a no-op.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	c, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.tr.Close()
	m.metrics.IncCounter("toolserver.disconnect", 1, "server", name)
	m.logger.Info(ctx, "tool server disconnected", "server", name)
	return err
}

// Reconnect tears down and re-establishes the named connection using the
// current registry config.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	if err := m.Disconnect(ctx, name); err != nil {
		m.logger.Warn(ctx, "close before reconnect failed", "server", name, "err", err)
	}
	return m.Connect(ctx, name)
}

// CheckHealth probes the named connection with a bounded tools listing and
// refreshes the cached catalog on success.
func (m *Manager) CheckHealth(ctx context.Context, name string) error {
	m.mu.RLock()
	c, ok := m.conns[name]
	m.mu.RUnlock()
	if !ok {
		return fault.Errorf(fault.NotFound, "server_not_connected", "tool server %q is not connected", name)
	}

	probeCtx, cancel := context.WithTimeout(ctx, HealthProbeTimeout)
	defer cancel()
	tools, err := c.tr.ListTools(probeCtx)
	if err != nil {
		m.recordError(name, err)
		return err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	m.mu.Lock()
	delete(m.lastErr, name)
	m.mu.Unlock()
	return nil
}

// Tools returns the aggregate catalog with names resolved under the current
// namespacing strategy.
func (m *Manager) Tools() []ExposedTool {
	return exposeCatalogs(m.registry.Settings().ToolNamespacing, m.snapshot())
}

// ToolDefinitions maps the aggregate catalog to model tool descriptors.
func (m *Manager) ToolDefinitions() []model.ToolDefinition {
	exposed := m.Tools()
	defs := make([]model.ToolDefinition, len(exposed))
	for i, et := range exposed {
		defs[i] = model.ToolDefinition{
			Name:        et.Name,
			Description: et.Description,
			InputSchema: et.InputSchema,
		}
	}
	return defs
}

// ResolveTool maps an exposed name to its owning server and original name.
func (m *Manager) ResolveTool(exposed string) (serverName, originalName string, err error) {
	return routeTool(m.snapshot(), exposed)
}

// CallTool routes an exposed name and executes it on the owning server.
// HTTP and SSE calls are additionally bounded by the server's configured
// timeout.
func (m *Manager) CallTool(ctx context.Context, exposed string, args map[string]any) (transport.CallResult, error) {
	serverName, originalName, err := routeTool(m.snapshot(), exposed)
	if err != nil {
		return transport.CallResult{}, err
	}
	return m.CallServerTool(ctx, serverName, originalName, args)
}

// CallServerTool executes a tool by its original name on a specific server,
// bypassing exposure routing. Dispatch workers use this: routing already
// happened on the enqueueing side.
func (m *Manager) CallServerTool(ctx context.Context, serverName, originalName string, args map[string]any) (transport.CallResult, error) {
	m.mu.RLock()
	c, ok := m.conns[serverName]
	m.mu.RUnlock()
	if !ok {
		return transport.CallResult{}, fault.Errorf(fault.NotFound, "server_not_connected", "tool server %q is not connected", serverName)
	}

	callCtx := ctx
	if c.cfg.TimeoutMs > 0 &&
		(c.cfg.Transport == transport.KindHTTP || c.cfg.Transport == transport.KindSSE) {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	res, err := c.tr.CallTool(callCtx, originalName, args)
	m.metrics.RecordTimer("toolserver.call", time.Since(start), "server", serverName, "tool", originalName)
	if err != nil {
		m.metrics.IncCounter("toolserver.call.error", 1, "server", serverName, "tool", originalName)
		return transport.CallResult{}, fmt.Errorf("call %s on %s: %w", originalName, serverName, err)
	}
	return res, nil
}

// Connected reports whether the named server currently holds a live
// transport.
func (m *Manager) Connected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[name]
	return ok
}

// ConnectedNames returns connected server names in registration order.
func (m *Manager) ConnectedNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// InfoFor describes the named server's connection state.
func (m *Manager) InfoFor(name string) Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := Info{Name: name, LastError: m.lastErr[name]}
	if c, ok := m.conns[name]; ok {
		c.mu.RLock()
		info.Connected = true
		info.Handshake = c.hs
		info.ToolCount = len(c.tools)
		info.ConnectedAt = c.connectedAt
		c.mu.RUnlock()
	}
	return info
}

// Cleanup stops the registry watcher and closes every connection.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.watchCancel, m.watchDone
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	var firstErr error
	for _, name := range names {
		if err := m.Disconnect(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// snapshot captures the per-server catalogs in registration order.
func (m *Manager) snapshot() []serverCatalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]serverCatalog, 0, len(m.order))
	for _, name := range m.order {
		c := m.conns[name]
		c.mu.RLock()
		tools := make([]transport.ToolInfo, len(c.tools))
		copy(tools, c.tools)
		c.mu.RUnlock()
		out = append(out, serverCatalog{name: name, prefix: c.cfg.Prefix(name), tools: tools})
	}
	return out
}

func (m *Manager) recordError(name string, err error) {
	m.mu.Lock()
	m.lastErr[name] = err
	m.mu.Unlock()
}

// watch keeps connections aligned with registry mutations. Connect-type
// events honor the autoConnect setting; disconnect-type events always apply.
func (m *Manager) watch(ctx context.Context, sub stream.Subscription) {
	defer close(m.watchDone)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-sub.C():
			if !ok {
				return
			}
			ev, ok := v.(toolserver.Event)
			if !ok {
				continue
			}
			m.handleRegistryEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleRegistryEvent(ctx context.Context, ev toolserver.Event) {
	autoConnect := m.registry.Settings().AutoConnect
	switch ev.Type {
	case toolserver.EventAdded, toolserver.EventEnabled:
		if !autoConnect {
			return
		}
		if err := m.Connect(ctx, ev.Name); err != nil {
			m.logger.Warn(ctx, "auto-connect failed", "server", ev.Name, "event", ev.Type, "err", err)
		}
	case toolserver.EventUpdated:
		if m.Connected(ev.Name) {
			if err := m.Reconnect(ctx, ev.Name); err != nil {
				m.logger.Warn(ctx, "reconnect after update failed", "server", ev.Name, "err", err)
			}
		} else if autoConnect {
			if cfg, err := m.registry.Get(ev.Name); err == nil && cfg.IsEnabled() {
				if err := m.Connect(ctx, ev.Name); err != nil {
					m.logger.Warn(ctx, "auto-connect failed", "server", ev.Name, "event", ev.Type, "err", err)
				}
			}
		}
	case toolserver.EventRemoved, toolserver.EventDisabled:
		if err := m.Disconnect(ctx, ev.Name); err != nil {
			m.logger.Warn(ctx, "disconnect failed", "server", ev.Name, "event", ev.Type, "err", err)
		}
	case toolserver.EventReloaded:
		m.reconcile(ctx)
	}
}

// reconcile aligns the connection set with the freshly reloaded document:
// stale or changed connections close, newly enabled servers connect when
// autoConnect allows.
func (m *Manager) reconcile(ctx context.Context) {
	desired := make(map[string]toolserver.ServerConfig)
	for _, name := range m.registry.EnabledNames() {
		if cfg, err := m.registry.Get(name); err == nil {
			desired[name] = cfg
		}
	}

	for _, name := range m.ConnectedNames() {
		cfg, keep := desired[name]
		m.mu.RLock()
		c, connected := m.conns[name]
		m.mu.RUnlock()
		if !connected {
			continue
		}
		switch {
		case !keep:
			if err := m.Disconnect(ctx, name); err != nil {
				m.logger.Warn(ctx, "disconnect on reload failed", "server", name, "err", err)
			}
		case !reflect.DeepEqual(c.cfg, cfg):
			if err := m.Reconnect(ctx, name); err != nil {
				m.logger.Warn(ctx, "reconnect on reload failed", "server", name, "err", err)
			}
		}
	}

	if !m.registry.Settings().AutoConnect {
		return
	}
	for name := range desired {
		if m.Connected(name) {
			continue
		}
		if err := m.Connect(ctx, name); err != nil {
			m.logger.Warn(ctx, "auto-connect on reload failed", "server", name, "err", err)
		}
	}
}
