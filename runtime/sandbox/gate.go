package sandbox

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
)

// Gate defaults. Create/Exec/Destroy share one admission budget so a stampede
// of session starts cannot exhaust the container daemon.
const (
	DefaultMaxConcurrent = 20
	DefaultMaxQueue      = 100
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = time.Second
	DefaultRetryCap      = 30 * time.Second
)

type (
	// Gate wraps a Runtime with bounded concurrency, a bounded wait queue,
	// and retry with exponential backoff for transient daemon failures.
	Gate struct {
		next    Runtime
		slots   chan struct{}
		pending int64
		limit   int64

		maxAttempts int
		retryBase   time.Duration
		retryCap    time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// GateOption customizes a Gate.
	GateOption func(*Gate)
)

// WithMaxConcurrent caps simultaneous runtime operations.
func WithMaxConcurrent(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.slots = make(chan struct{}, n)
		}
	}
}

// WithMaxQueue caps operations allowed to wait for a slot. Arrivals beyond
// the cap fail immediately with a backpressure fault.
func WithMaxQueue(n int) GateOption {
	return func(g *Gate) {
		if n >= 0 {
			g.limit = int64(n)
		}
	}
}

// WithRetry tunes the retry loop applied to transient failures.
func WithRetry(attempts int, base, cap time.Duration) GateOption {
	return func(g *Gate) {
		if attempts > 0 {
			g.maxAttempts = attempts
		}
		if base > 0 {
			g.retryBase = base
		}
		if cap > 0 {
			g.retryCap = cap
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(l telemetry.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateMetrics sets the metrics recorder.
func WithGateMetrics(m telemetry.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

var _ Runtime = (*Gate)(nil)

// NewGate wraps next with admission control and retry.
func NewGate(next Runtime, opts ...GateOption) *Gate {
	g := &Gate{
		next:        next,
		slots:       make(chan struct{}, DefaultMaxConcurrent),
		limit:       DefaultMaxQueue,
		maxAttempts: DefaultMaxAttempts,
		retryBase:   DefaultRetryBase,
		retryCap:    DefaultRetryCap,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create provisions a sandbox through the gate.
func (g *Gate) Create(ctx context.Context, opts CreateOptions) (*Sandbox, error) {
	var sb *Sandbox
	err := g.run(ctx, "create", func(ctx context.Context) error {
		var err error
		sb, err = g.next.Create(ctx, opts)
		return err
	})
	return sb, err
}

// Exec runs a command through the gate.
func (g *Gate) Exec(ctx context.Context, sandboxID string, cmd []string) (ExecResult, error) {
	var res ExecResult
	err := g.run(ctx, "exec", func(ctx context.Context) error {
		var err error
		res, err = g.next.Exec(ctx, sandboxID, cmd)
		return err
	})
	return res, err
}

// Destroy removes a sandbox through the gate.
func (g *Gate) Destroy(ctx context.Context, sandboxID string) error {
	return g.run(ctx, "destroy", func(ctx context.Context) error {
		return g.next.Destroy(ctx, sandboxID)
	})
}

// Close closes the wrapped runtime.
func (g *Gate) Close() error { return g.next.Close() }

// run admits the operation, then executes it with the retry loop.
func (g *Gate) run(ctx context.Context, op string, fn func(context.Context) error) error {
	waiting := atomic.AddInt64(&g.pending, 1)
	defer atomic.AddInt64(&g.pending, -1)
	if waiting > int64(cap(g.slots))+g.limit {
		g.metrics.IncCounter("sandbox_gate_rejected", 1, "op", op)
		return fault.Errorf(fault.Backpressure, "backpressure_rejected",
			"sandbox runtime saturated: %d operations in flight or queued", waiting-1)
	}

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slots }()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			g.metrics.RecordTimer("sandbox_gate_op", time.Since(start), "op", op)
			return nil
		}
		lastErr = err
		if fault.KindOf(err) != fault.TransientExternal || attempt >= g.maxAttempts {
			break
		}
		backoff := g.backoff(attempt)
		g.logger.Warn(ctx, "sandbox operation failed, retrying",
			"op", op, "attempt", attempt, "backoff", backoff.String(), "err", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// backoff computes base * 2^(attempt-1) capped at retryCap, with up to 10%
// jitter to avoid thundering herds.
func (g *Gate) backoff(attempt int) time.Duration {
	d := float64(g.retryBase) * math.Pow(2, float64(attempt-1))
	if d > float64(g.retryCap) {
		d = float64(g.retryCap)
	}
	d += d * 0.1 * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	return time.Duration(d)
}
