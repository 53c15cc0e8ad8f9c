// Package health runs the periodic tool server health loop: capability
// probes, the failure-count state machine, and bounded reconnect scheduling.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
	"github.com/switchboard-ai/switchboard/runtime/toolserver"
)

// Status is the health state of one tool server.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusUnhealthy    Status = "unhealthy"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Defaults for the probe loop.
const (
	DefaultFailThreshold = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultMaxAttempts   = 5
)

type (
	// Prober is the slice of the connection manager the monitor drives.
	Prober interface {
		CheckHealth(ctx context.Context, name string) error
		Reconnect(ctx context.Context, name string) error
		Connected(name string) bool
		ConnectedNames() []string
	}

	// Transition is published on every state change.
	Transition struct {
		Server string `json:"server"`
		From   Status `json:"from"`
		To     Status `json:"to"`
		Reason string `json:"reason,omitempty"`
	}

	// ServerHealth is the reported state of one server.
	ServerHealth struct {
		Name                string    `json:"name"`
		Status              Status    `json:"status"`
		LastCheck           time.Time `json:"lastCheck"`
		LastSuccess         time.Time `json:"lastSuccess"`
		ConsecutiveFailures int       `json:"consecutiveFailures"`
		Error               string    `json:"error,omitempty"`
	}

	// Summary aggregates per-status counts across all registered servers.
	Summary struct {
		Total        int `json:"total"`
		Healthy      int `json:"healthy"`
		Unhealthy    int `json:"unhealthy"`
		Reconnecting int `json:"reconnecting"`
		Disconnected int `json:"disconnected"`
	}

	// Report is the full health view served by the control API.
	Report struct {
		Summary Summary        `json:"summary"`
		Servers []ServerHealth `json:"servers"`
	}

	// ViewMap is the minimal replicated-map contract required by the shared
	// health view. It is satisfied by *rmap.Map from goa.design/pulse/rmap.
	ViewMap interface {
		Set(ctx context.Context, key, value string) (string, error)
		Delete(ctx context.Context, key string) (string, error)
	}

	// Monitor owns the scheduler loop and the per-server state machines.
	Monitor struct {
		probe    Prober
		registry *toolserver.Registry
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		events   stream.Broadcaster

		view   ViewMap
		viewCh chan viewUpdate

		interval      time.Duration
		failThreshold int
		retryDelay    time.Duration
		maxAttempts   int

		mu     sync.Mutex
		states map[string]*serverState

		cancel context.CancelFunc
		done   chan struct{}
		wg     sync.WaitGroup
	}

	// MonitorOption configures a Monitor.
	MonitorOption func(*Monitor)

	serverState struct {
		status      Status
		gen         int
		failures    int
		lastCheck   time.Time
		lastSuccess time.Time
		lastErr     string
	}

	viewUpdate struct {
		name   string
		remove bool
		health ServerHealth
	}
)

// WithInterval pins the sweep interval, overriding the registry setting.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithRetryDelay sets the pause between reconnect attempts.
func WithRetryDelay(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.retryDelay = d }
}

// WithMaxAttempts caps reconnect attempts before a server is parked.
func WithMaxAttempts(n int) MonitorOption {
	return func(m *Monitor) { m.maxAttempts = n }
}

// WithFailThreshold sets the consecutive probe failures that trigger a
// reconnect cycle.
func WithFailThreshold(n int) MonitorOption {
	return func(m *Monitor) { m.failThreshold = n }
}

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(l telemetry.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithMonitorMetrics sets the monitor metrics sink.
func WithMonitorMetrics(mt telemetry.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// WithReplicatedView mirrors per-server status into a replicated map under
// `health:<server>` so other processes can read it without probing. Writes
// are best effort.
func WithReplicatedView(v ViewMap) MonitorOption {
	return func(m *Monitor) {
		m.view = v
		m.viewCh = make(chan viewUpdate, 64)
	}
}

// NewMonitor builds a monitor over probe. registry supplies the sweep
// interval and change events that un-park disconnected servers.
func NewMonitor(probe Prober, registry *toolserver.Registry, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		probe:         probe,
		registry:      registry,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		events:        stream.NewBroadcaster(16, true),
		failThreshold: DefaultFailThreshold,
		retryDelay:    DefaultRetryDelay,
		maxAttempts:   DefaultMaxAttempts,
		states:        make(map[string]*serverState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe returns a subscription delivering Transition values.
func (m *Monitor) Subscribe(ctx context.Context) (stream.Subscription, error) {
	return m.events.Subscribe(ctx)
}

// Start launches the sweep loop and the registry watcher.
func (m *Monitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := m.registry.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		sub.Close()
		return fault.Errorf(fault.Conflict, "monitor_running", "health monitor already started")
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	if m.view != nil {
		m.wg.Add(1)
		go m.viewLoop(runCtx)
	}
	go m.run(runCtx, sub)
	return nil
}

// Stop halts the loop and waits for in-flight reconnect cycles.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	m.wg.Wait()
	return m.events.Close()
}

func (m *Monitor) run(ctx context.Context, sub stream.Subscription) {
	defer close(m.done)
	defer sub.Close()

	timer := time.NewTimer(m.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-sub.C():
			if !ok {
				return
			}
			if ev, ok := v.(toolserver.Event); ok {
				m.handleRegistryEvent(ev)
			}
		case <-timer.C:
			m.sweep(ctx)
			timer.Reset(m.currentInterval())
		}
	}
}

func (m *Monitor) currentInterval() time.Duration {
	if m.interval > 0 {
		return m.interval
	}
	return time.Duration(m.registry.Settings().HealthCheckIntervalMs) * time.Millisecond
}

// viewLoop applies replicated view updates sequentially so late writes never
// overwrite newer status.
func (m *Monitor) viewLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.viewCh:
			m.writeView(ctx, u)
		}
	}
}

func (m *Monitor) writeView(ctx context.Context, u viewUpdate) {
	key := "health:" + u.name
	if u.remove {
		if _, err := m.view.Delete(ctx, key); err != nil {
			m.logger.Warn(ctx, "replicated health delete failed", "server", u.name, "err", err)
		}
		return
	}
	raw, err := json.Marshal(u.health)
	if err != nil {
		return
	}
	if _, err := m.view.Set(ctx, key, string(raw)); err != nil {
		m.logger.Warn(ctx, "replicated health update failed", "server", u.name, "err", err)
	}
}

// pushView queues one view update without blocking; the view is advisory and
// a full queue drops the oldest information, not probe work.
func (m *Monitor) pushView(u viewUpdate) {
	if m.view == nil {
		return
	}
	select {
	case m.viewCh <- u:
	default:
	}
}

// sweep probes every connected server that is not mid-reconnect.
func (m *Monitor) sweep(ctx context.Context) {
	for _, name := range m.probe.ConnectedNames() {
		m.mu.Lock()
		st := m.ensureLocked(name)
		busy := st.status == StatusReconnecting
		m.mu.Unlock()
		if busy {
			continue
		}
		err := m.probe.CheckHealth(ctx, name)
		m.applyProbe(ctx, name, err)
	}
}

// applyProbe advances the state machine with one probe outcome.
func (m *Monitor) applyProbe(ctx context.Context, name string, err error) {
	m.mu.Lock()
	st := m.ensureLocked(name)
	st.lastCheck = time.Now()
	if err == nil {
		st.failures = 0
		st.lastErr = ""
		st.lastSuccess = st.lastCheck
		m.transitionLocked(ctx, name, st, StatusHealthy, "")
		m.mu.Unlock()
		return
	}

	st.failures++
	st.lastErr = err.Error()
	m.metrics.IncCounter("health.probe.failure", 1, "server", name)
	if st.failures < m.failThreshold {
		m.transitionLocked(ctx, name, st, StatusUnhealthy, err.Error())
		m.mu.Unlock()
		return
	}
	m.transitionLocked(ctx, name, st, StatusReconnecting, err.Error())
	gen := st.gen
	m.mu.Unlock()

	m.spawnReconnect(ctx, name, gen, 1)
}

// spawnReconnect runs the bounded reconnect cycle starting at the given
// attempt number.
func (m *Monitor) spawnReconnect(ctx context.Context, name string, gen, firstAttempt int) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for attempt := firstAttempt; attempt <= m.maxAttempts; attempt++ {
			if attempt > firstAttempt {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.retryDelay):
				}
			}
			if !m.generationCurrent(name, gen) {
				return
			}

			err := m.probe.Reconnect(ctx, name)
			if err == nil {
				m.mu.Lock()
				if st, ok := m.states[name]; ok && st.gen == gen {
					st.failures = 0
					st.lastErr = ""
					st.lastSuccess = time.Now()
					m.transitionLocked(ctx, name, st, StatusHealthy, "")
				}
				m.mu.Unlock()
				return
			}
			m.logger.Warn(ctx, "tool server reconnect failed",
				"server", name, "attempt", attempt, "max", m.maxAttempts, "err", err)
			m.metrics.IncCounter("health.reconnect.failure", 1, "server", name)
			m.mu.Lock()
			if st, ok := m.states[name]; ok && st.gen == gen {
				st.lastErr = err.Error()
			}
			m.mu.Unlock()
		}

		// Exhausted: park until forceReconnect or a config change.
		m.mu.Lock()
		if st, ok := m.states[name]; ok && st.gen == gen {
			m.transitionLocked(ctx, name, st, StatusDisconnected, "reconnect attempts exhausted")
		}
		m.mu.Unlock()
	}()
}

// ForceReconnect starts a fresh reconnect cycle regardless of the parked
// state. The first attempt runs synchronously so callers get immediate
// feedback; on failure the remaining attempts continue in the background.
func (m *Monitor) ForceReconnect(ctx context.Context, name string) error {
	if _, err := m.registry.Get(name); err != nil {
		return err
	}

	m.mu.Lock()
	st := m.ensureLocked(name)
	st.gen++
	st.failures = 0
	gen := st.gen
	m.transitionLocked(ctx, name, st, StatusReconnecting, "forced")
	m.mu.Unlock()

	err := m.probe.Reconnect(ctx, name)
	m.mu.Lock()
	st, ok := m.states[name]
	if ok && st.gen == gen {
		if err == nil {
			st.lastErr = ""
			st.lastSuccess = time.Now()
			m.transitionLocked(ctx, name, st, StatusHealthy, "")
		} else {
			st.lastErr = err.Error()
		}
	}
	m.mu.Unlock()
	if err == nil || !ok {
		return err
	}

	m.spawnReconnect(ctx, name, gen, 2)
	return err
}

// StatusOf reports the current state of one server.
func (m *Monitor) StatusOf(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[name]; ok {
		return st.status
	}
	if m.probe.Connected(name) {
		return StatusHealthy
	}
	return StatusDisconnected
}

// Snapshot reports every registered server, probed or not.
func (m *Monitor) Snapshot() Report {
	names := m.registry.Names()
	report := Report{Servers: make([]ServerHealth, 0, len(names))}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		sh := ServerHealth{Name: name, Status: StatusDisconnected}
		if st, ok := m.states[name]; ok {
			sh.Status = st.status
			sh.LastCheck = st.lastCheck
			sh.LastSuccess = st.lastSuccess
			sh.ConsecutiveFailures = st.failures
			sh.Error = st.lastErr
		} else if m.probe.Connected(name) {
			sh.Status = StatusHealthy
		}
		report.Servers = append(report.Servers, sh)
		report.Summary.Total++
		switch sh.Status {
		case StatusHealthy:
			report.Summary.Healthy++
		case StatusUnhealthy:
			report.Summary.Unhealthy++
		case StatusReconnecting:
			report.Summary.Reconnecting++
		case StatusDisconnected:
			report.Summary.Disconnected++
		}
	}
	return report
}

// handleRegistryEvent resets tracking when a server's definition changes,
// which also un-parks disconnected servers.
func (m *Monitor) handleRegistryEvent(ev toolserver.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case toolserver.EventAdded, toolserver.EventUpdated, toolserver.EventEnabled,
		toolserver.EventRemoved, toolserver.EventDisabled:
		if st, ok := m.states[ev.Name]; ok {
			st.gen++ // abort any in-flight reconnect cycle
			delete(m.states, ev.Name)
		}
		if ev.Type == toolserver.EventRemoved || ev.Type == toolserver.EventDisabled {
			m.pushView(viewUpdate{name: ev.Name, remove: true})
		}
	case toolserver.EventReloaded:
		for _, st := range m.states {
			st.gen++
		}
		m.states = make(map[string]*serverState)
	}
}

func (m *Monitor) ensureLocked(name string) *serverState {
	st, ok := m.states[name]
	if !ok {
		st = &serverState{status: StatusHealthy}
		m.states[name] = st
	}
	return st
}

func (m *Monitor) generationCurrent(name string, gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	return ok && st.gen == gen
}

// transitionLocked moves st to the target status, emitting an event when
// the status actually changes. Callers hold m.mu.
func (m *Monitor) transitionLocked(ctx context.Context, name string, st *serverState, to Status, reason string) {
	from := st.status
	if from == to {
		return
	}
	st.status = to
	m.events.Publish(Transition{Server: name, From: from, To: to, Reason: reason})
	m.pushView(viewUpdate{name: name, health: ServerHealth{
		Name:                name,
		Status:              to,
		LastCheck:           st.lastCheck,
		LastSuccess:         st.lastSuccess,
		ConsecutiveFailures: st.failures,
		Error:               st.lastErr,
	}})
	m.metrics.IncCounter("health.transition", 1, "server", name, "to", string(to))
	m.logger.Info(ctx, "tool server health changed", "server", name, "from", from, "to", to, "reason", reason)
}
