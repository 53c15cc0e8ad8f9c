// Package session binds conversational sessions to sandboxes. One session
// maps to at most one live sandbox; bindings survive process restarts in the
// state store, and a distributed lock keeps concurrent acquires single-flight
// across orchestrator replicas.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
)

// maxScore is the open upper bound for index range scans.
var maxScore = math.Inf(1)

const (
	// LockTTL bounds how long a crashed acquirer can hold the creation lock.
	LockTTL = 30 * time.Second

	// DefaultContentionWait is how long a lost acquire waits for the winner
	// to persist the binding before giving up.
	DefaultContentionWait = 2 * time.Second

	// indexKey is the sorted set of session ids scored by lastActive.
	indexKey = "session:index"
)

type (
	// Binding is the persisted session record. Timestamps are epoch
	// milliseconds.
	Binding struct {
		SandboxID  string `json:"sandboxId"`
		CreatedAt  int64  `json:"createdAt"`
		LastActive int64  `json:"lastActive"`
	}

	// HistoryClearer is the slice of the conversation store the manager
	// needs: terminating or rebinding a session wipes its transcript.
	HistoryClearer interface {
		Clear(ctx context.Context, sessionID string) error
	}

	// Manager owns the session lifecycle. Safe for concurrent use.
	Manager struct {
		kv      statestore.Store
		source  SandboxSource
		history HistoryClearer
		logger  telemetry.Logger
		metrics telemetry.Metrics

		holder         string
		lockTTL        time.Duration
		contentionWait time.Duration
	}

	// ManagerOption configures a Manager.
	ManagerOption func(*Manager)
)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics sets the manager metrics sink.
func WithManagerMetrics(mt telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithContentionWait overrides how long a lost acquire waits before
// re-reading the record. Tests shrink it; production keeps the default.
func WithContentionWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.contentionWait = d
		}
	}
}

// WithLockTTL overrides the creation lock TTL.
func WithLockTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.lockTTL = d
		}
	}
}

// NewManager builds a session manager over kv, drawing sandboxes from source
// and clearing transcripts through history.
func NewManager(kv statestore.Store, source SandboxSource, history HistoryClearer, opts ...ManagerOption) *Manager {
	m := &Manager{
		kv:             kv,
		source:         source,
		history:        history,
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		holder:         uuid.NewString(),
		lockTTL:        LockTTL,
		contentionWait: DefaultContentionWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func recordKey(sessionID string) string { return "session:" + sessionID }
func lockKey(sessionID string) string   { return "session:lock:" + sessionID }

// Acquire returns the binding for sessionID, creating the sandbox when the
// session is new. Re-acquiring a live session bumps its activity and returns
// the existing binding. Concurrent acquires of the same id are single-flight:
// exactly one caller creates; the rest either observe its record or fail with
// a retryable Contention error.
func (m *Manager) Acquire(ctx context.Context, sessionID string, opts AcquireOptions) (Binding, error) {
	if sessionID == "" {
		return Binding{}, fault.New(fault.Validation, "invalid_session", "session id must not be empty")
	}

	// Fast path: a live binding only needs its activity bumped.
	if b, err := m.lookup(ctx, sessionID); err == nil {
		m.metrics.IncCounter("session.acquire", 1, "outcome", "existing")
		return m.heartbeat(ctx, sessionID, b)
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return Binding{}, err
	}

	ok, err := m.kv.SetNX(ctx, lockKey(sessionID), m.holder, m.lockTTL)
	if err != nil {
		return Binding{}, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		// Someone else is creating this session. Give them time to finish,
		// then adopt their record.
		select {
		case <-ctx.Done():
			return Binding{}, ctx.Err()
		case <-time.After(m.contentionWait):
		}
		if b, err := m.lookup(ctx, sessionID); err == nil {
			m.metrics.IncCounter("session.acquire", 1, "outcome", "adopted")
			return m.heartbeat(ctx, sessionID, b)
		} else if !errors.Is(err, statestore.ErrNotFound) {
			return Binding{}, err
		}
		m.metrics.IncCounter("session.acquire", 1, "outcome", "contention")
		return Binding{}, fault.Errorf(fault.Contention, "session_contention",
			"session %s is being created elsewhere", sessionID)
	}
	defer func() {
		if derr := m.kv.Del(context.WithoutCancel(ctx), lockKey(sessionID)); derr != nil {
			m.logger.Warn(ctx, "session lock release failed", "session", sessionID, "err", derr)
		}
	}()

	// Re-check under the lock: the previous holder may have finished between
	// our lookup and the SetNX.
	if b, err := m.lookup(ctx, sessionID); err == nil {
		m.metrics.IncCounter("session.acquire", 1, "outcome", "existing")
		return m.heartbeat(ctx, sessionID, b)
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return Binding{}, err
	}

	sb, err := m.source.Acquire(ctx, sessionID, opts)
	if err != nil {
		m.metrics.IncCounter("session.acquire", 1, "outcome", "error")
		return Binding{}, fmt.Errorf("provision session sandbox: %w", err)
	}

	now := time.Now().UnixMilli()
	b := Binding{SandboxID: sb.ID, CreatedAt: now, LastActive: now}
	if err := m.persist(ctx, sessionID, b); err != nil {
		m.releaseSandbox(ctx, sessionID, sb.ID, "record persist failed")
		return Binding{}, err
	}

	// The binding is new, so any transcript under this id belongs to a dead
	// incarnation and must not leak into the first turn.
	if err := m.history.Clear(ctx, sessionID); err != nil {
		m.releaseSandbox(ctx, sessionID, sb.ID, "history clear failed")
		m.removeState(ctx, sessionID)
		return Binding{}, fmt.Errorf("clear stale conversation: %w", err)
	}

	m.metrics.IncCounter("session.acquire", 1, "outcome", "created")
	m.logger.Info(ctx, "session bound", "session", sessionID, "sandbox", sb.ID)
	return b, nil
}

// Heartbeat bumps the session's lastActive and re-indexes it. Returns
// NotFound when no binding exists.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) (Binding, error) {
	b, err := m.lookup(ctx, sessionID)
	if errors.Is(err, statestore.ErrNotFound) {
		return Binding{}, fault.Errorf(fault.NotFound, "session_not_found", "session %s is not bound", sessionID)
	}
	if err != nil {
		return Binding{}, err
	}
	return m.heartbeat(ctx, sessionID, b)
}

// Get returns the current binding without touching its activity.
func (m *Manager) Get(ctx context.Context, sessionID string) (Binding, error) {
	b, err := m.lookup(ctx, sessionID)
	if errors.Is(err, statestore.ErrNotFound) {
		return Binding{}, fault.Errorf(fault.NotFound, "session_not_found", "session %s is not bound", sessionID)
	}
	return b, err
}

// Sessions returns the ids of all bound sessions in activity order, oldest
// first.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	return m.kv.ZRangeByScore(ctx, indexKey, 0, maxScore)
}

// Terminate releases the session's sandbox and removes its record, index
// entry, and transcript. Terminating an unbound session converges the same
// state and returns nil.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fault.New(fault.Validation, "invalid_session", "session id must not be empty")
	}

	b, err := m.lookup(ctx, sessionID)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		// No binding. Still sweep the index and transcript so a partial
		// prior teardown converges.
		m.removeState(ctx, sessionID)
		return m.history.Clear(ctx, sessionID)
	case err != nil:
		return err
	}

	var errs []error
	if rerr := m.source.Release(ctx, sessionID, b.SandboxID); rerr != nil {
		// The sandbox may leak; state removal still proceeds so the session
		// id is reusable.
		m.logger.Error(ctx, "sandbox release failed", "session", sessionID, "sandbox", b.SandboxID, "err", rerr)
		errs = append(errs, fmt.Errorf("release sandbox %s: %w", b.SandboxID, rerr))
	}

	p := m.kv.Pipeline()
	p.Del(recordKey(sessionID))
	p.ZRem(indexKey, sessionID)
	if perr := p.Exec(ctx); perr != nil {
		errs = append(errs, fmt.Errorf("remove session state: %w", perr))
	}
	if cerr := m.history.Clear(ctx, sessionID); cerr != nil {
		errs = append(errs, fmt.Errorf("clear conversation: %w", cerr))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	m.metrics.IncCounter("session.terminate", 1)
	m.logger.Info(ctx, "session terminated", "session", sessionID, "sandbox", b.SandboxID)
	return nil
}

func (m *Manager) lookup(ctx context.Context, sessionID string) (Binding, error) {
	raw, err := m.kv.Get(ctx, recordKey(sessionID))
	if err != nil {
		return Binding{}, err
	}
	var b Binding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Binding{}, fault.Wrap(fault.IntegrityViolation, "corrupt_session",
			err, fmt.Sprintf("session record %s is unreadable", sessionID))
	}
	return b, nil
}

// heartbeat persists b with lastActive advanced to now. lastActive never
// moves backwards, even across replicas with skewed clocks.
func (m *Manager) heartbeat(ctx context.Context, sessionID string, b Binding) (Binding, error) {
	if now := time.Now().UnixMilli(); now > b.LastActive {
		b.LastActive = now
	}
	if err := m.persist(ctx, sessionID, b); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// persist writes the record and index entry in one atomic pipeline so a
// session can never be indexed without a record or vice versa.
func (m *Manager) persist(ctx context.Context, sessionID string, b Binding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	p := m.kv.Pipeline()
	p.Set(recordKey(sessionID), string(raw), 0)
	p.ZAdd(indexKey, float64(b.LastActive), sessionID)
	if err := p.Exec(ctx); err != nil {
		return fmt.Errorf("persist session record: %w", err)
	}
	return nil
}

func (m *Manager) releaseSandbox(ctx context.Context, sessionID, sandboxID, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.source.Release(ctx, sessionID, sandboxID); err != nil {
		m.logger.Error(ctx, "sandbox cleanup failed", "session", sessionID,
			"sandbox", sandboxID, "reason", reason, "err", err)
		return
	}
	m.logger.Warn(ctx, "session setup rolled back", "session", sessionID,
		"sandbox", sandboxID, "reason", reason)
}

func (m *Manager) removeState(ctx context.Context, sessionID string) {
	p := m.kv.Pipeline()
	p.Del(recordKey(sessionID))
	p.ZRem(indexKey, sessionID)
	if err := p.Exec(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn(ctx, "session state removal failed", "session", sessionID, "err", err)
	}
}
