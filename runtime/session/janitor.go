package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
)

// Janitor defaults.
const (
	DefaultIdleTTL       = 15 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

type (
	// Terminator tears down one session. Satisfied by *Manager.
	Terminator interface {
		Terminate(ctx context.Context, sessionID string) error
	}

	// Janitor reaps sessions whose lastActive is older than the idle TTL.
	// It reads the same session index every replica writes, so running one
	// janitor per replica is safe: Terminate is idempotent. Deployments that
	// want a single sweep per interval across all replicas install a
	// DistributedTicker instead.
	Janitor struct {
		kv      statestore.Store
		term    Terminator
		logger  telemetry.Logger
		metrics telemetry.Metrics

		idleTTL  time.Duration
		interval time.Duration
		ticker   TickerFunc

		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}

	// JanitorOption configures a Janitor.
	JanitorOption func(*Janitor)

	// TickerFunc creates the sweep trigger. The returned stop function
	// releases ticker resources.
	TickerFunc func(ctx context.Context, interval time.Duration) (<-chan time.Time, func(), error)
)

// WithIdleTTL overrides how long a session may stay inactive.
func WithIdleTTL(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.idleTTL = d
		}
	}
}

// WithSweepInterval overrides the time between sweeps.
func WithSweepInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// WithJanitorLogger sets the janitor logger.
func WithJanitorLogger(l telemetry.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = l }
}

// WithJanitorMetrics sets the janitor metrics sink.
func WithJanitorMetrics(mt telemetry.Metrics) JanitorOption {
	return func(j *Janitor) { j.metrics = mt }
}

// WithTicker overrides the sweep trigger. The default is a process-local
// time.Ticker.
func WithTicker(f TickerFunc) JanitorOption {
	return func(j *Janitor) {
		if f != nil {
			j.ticker = f
		}
	}
}

// DistributedTicker returns a TickerFunc backed by a Pulse pool ticker named
// name. Only one node in the pool receives each tick, so the idle sweep runs
// once per interval across all replicas.
func DistributedTicker(node *pool.Node, name string) TickerFunc {
	return func(ctx context.Context, interval time.Duration) (<-chan time.Time, func(), error) {
		if name == "" {
			name = "sessions:sweep"
		}
		t, err := node.NewTicker(ctx, name, interval)
		if err != nil {
			return nil, nil, fmt.Errorf("create distributed ticker %q: %w", name, err)
		}
		return t.C, t.Stop, nil
	}
}

// NewJanitor builds a janitor that terminates idle sessions through term.
func NewJanitor(kv statestore.Store, term Terminator, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		kv:       kv,
		term:     term,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		idleTTL:  DefaultIdleTTL,
		interval: DefaultSweepInterval,
		ticker:   localTicker,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.mu.Lock()
	if j.cancel != nil {
		j.mu.Unlock()
		cancel()
		return fault.Errorf(fault.Conflict, "janitor_running", "session janitor already started")
	}
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.run(runCtx)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)

	tick, stop, err := j.ticker(ctx, j.interval)
	if err != nil {
		j.logger.Error(ctx, "janitor ticker setup failed", "err", err)
		return
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error(ctx, "session sweep failed", "err", err)
			}
		}
	}
}

func localTicker(_ context.Context, interval time.Duration) (<-chan time.Time, func(), error) {
	t := time.NewTicker(interval)
	return t.C, t.Stop, nil
}

// Sweep terminates every session idle for longer than the TTL and returns
// how many were reaped. A failed termination is logged and skipped; it stays
// in the index and the next sweep retries it.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UnixMilli() - j.idleTTL.Milliseconds()
	// Strictly older than the TTL: an entry exactly at the cutoff is not
	// idle yet.
	expired, err := j.kv.ZRangeByScore(ctx, indexKey, 0, float64(cutoff-1))
	if err != nil {
		return 0, fmt.Errorf("scan session index: %w", err)
	}

	reaped := 0
	for _, id := range expired {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		if err := j.term.Terminate(ctx, id); err != nil {
			j.logger.Error(ctx, "idle session teardown failed", "session", id, "err", err)
			continue
		}
		reaped++
		j.logger.Info(ctx, "idle session terminated", "session", id)
	}
	if reaped > 0 {
		j.metrics.IncCounter("session.janitor.reaped", float64(reaped))
	}
	return reaped, nil
}
