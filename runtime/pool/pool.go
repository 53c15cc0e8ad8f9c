// Package pool maintains a warm set of session sandboxes so acquiring one
// does not pay container creation latency on the hot path.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/sandbox"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
)

// Defaults for pool sizing and upkeep.
const (
	DefaultMinIdle       = 1
	DefaultMaxTotal      = 10
	DefaultIdleTTL       = 10 * time.Minute
	DefaultEvictInterval = 60 * time.Second
	DefaultWorkspace     = "/workspace"
)

// poolLabel marks containers owned by a pool.
const poolLabel = "io.switchboard.pool"

type (
	// Config sizes the pool and describes the sandboxes it creates.
	Config struct {
		MinIdle  int
		MaxTotal int
		// MaxIdle caps the idle list; a release beyond it destroys the
		// sandbox instead of parking it. Zero means MaxTotal.
		MaxIdle       int
		IdleTTL       time.Duration
		EvictInterval time.Duration

		Image        string
		Cmd          []string
		Env          map[string]string
		Caps         sandbox.Caps
		AllowNetwork bool
		// Workspace is the directory wiped by the release reset.
		Workspace string
		// ResetCmd overrides the workspace reset command.
		ResetCmd []string
	}

	// Stats is a point-in-time pool census.
	Stats struct {
		Idle     int    `json:"idle"`
		Active   int    `json:"active"`
		Creating int    `json:"creating"`
		Created  uint64 `json:"created"`
		Resets   uint64 `json:"resets"`
		Evicted  uint64 `json:"evicted"`
	}

	// Pool hands out sandboxes per session and recycles them on release.
	Pool struct {
		rt      sandbox.Runtime
		cfg     Config
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu       sync.Mutex
		idle     []*entry // LIFO: most recently used last
		active   map[string]*entry
		creating int
		closed   bool
		created  uint64
		resets   uint64
		evicted  uint64

		replenishC chan struct{}
		cancel     context.CancelFunc
		done       chan struct{}
	}

	// PoolOption configures a Pool.
	PoolOption func(*Pool)

	entry struct {
		sb         *sandbox.Sandbox
		lastUsedAt time.Time
	}
)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l telemetry.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithPoolMetrics sets the pool metrics sink.
func WithPoolMetrics(mt telemetry.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = mt }
}

// NewPool builds a pool over rt. Call Start to launch replenishment and
// eviction.
func NewPool(rt sandbox.Runtime, cfg Config, opts ...PoolOption) *Pool {
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = DefaultMinIdle
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = DefaultMaxTotal
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxTotal {
		cfg.MaxIdle = cfg.MaxTotal
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = DefaultEvictInterval
	}
	if cfg.Workspace == "" {
		cfg.Workspace = DefaultWorkspace
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{"sleep", "infinity"}
	}
	cfg.Caps = cfg.Caps.WithDefaults()

	p := &Pool{
		rt:         rt,
		cfg:        cfg,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		active:     make(map[string]*entry),
		replenishC: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the replenish and eviction loops and pre-warms the pool.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()
	go p.run(runCtx)
	p.poke()
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.replenishC:
			p.replenish(ctx)
		case <-ticker.C:
			p.evict(ctx)
			p.replenish(ctx)
		}
	}
}

// poke nudges the replenish loop without blocking.
func (p *Pool) poke() {
	select {
	case p.replenishC <- struct{}{}:
	default:
	}
}

// Acquire pops a warm sandbox or creates one within the total cap.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.Errorf(fault.Validation, "pool_closed", "sandbox pool is shut down")
	}
	if _, ok := p.active[sessionID]; ok {
		p.mu.Unlock()
		return nil, fault.Errorf(fault.Conflict, "session_active", "session %q already holds a sandbox", sessionID)
	}

	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		e.lastUsedAt = time.Now()
		p.active[sessionID] = e
		p.mu.Unlock()
		p.poke()
		p.metrics.IncCounter("pool.acquire", 1, "source", "idle")
		return e.sb, nil
	}

	if p.total() >= p.cfg.MaxTotal {
		p.mu.Unlock()
		p.metrics.IncCounter("pool.exhausted", 1)
		return nil, fault.Errorf(fault.Backpressure, "pool_exhausted",
			"sandbox pool at capacity (%d)", p.cfg.MaxTotal)
	}
	p.creating++
	p.mu.Unlock()

	sb, err := p.create(ctx)
	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		p.destroy(ctx, sb, "pool closed during create")
		return nil, fault.Errorf(fault.Validation, "pool_closed", "sandbox pool is shut down")
	}
	p.active[sessionID] = &entry{sb: sb, lastUsedAt: time.Now()}
	p.mu.Unlock()
	p.metrics.IncCounter("pool.acquire", 1, "source", "created")
	return sb, nil
}

// Release resets the session's sandbox and parks it, or destroys it when
// the reset fails or the idle list is full. Fail closed: a dirty workspace
// never returns to the pool.
func (p *Pool) Release(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	e, ok := p.active[sessionID]
	if !ok {
		p.mu.Unlock()
		return fault.Errorf(fault.NotFound, "session_not_active", "session %q holds no sandbox", sessionID)
	}
	delete(p.active, sessionID)
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.destroy(ctx, e.sb, "pool closed")
		return nil
	}

	if err := p.resetWorkspace(ctx, e.sb); err != nil {
		p.logger.Warn(ctx, "workspace reset failed, destroying sandbox",
			"sandbox", e.sb.ID, "err", err)
		p.destroy(ctx, e.sb, "reset failed")
		return nil
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		p.destroy(ctx, e.sb, "idle list full")
		return nil
	}
	e.lastUsedAt = time.Now()
	p.idle = append(p.idle, e)
	p.resets++
	p.mu.Unlock()
	p.metrics.IncCounter("pool.release", 1, "disposition", "idled")
	return nil
}

// Stats reports the current census.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:     len(p.idle),
		Active:   len(p.active),
		Creating: p.creating,
		Created:  p.created,
		Resets:   p.resets,
		Evicted:  p.evicted,
	}
}

// Shutdown stops upkeep and destroys every sandbox, active ones included.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	victims := make([]*sandbox.Sandbox, 0, len(p.idle)+len(p.active))
	for _, e := range p.idle {
		victims = append(victims, e.sb)
	}
	for _, e := range p.active {
		victims = append(victims, e.sb)
	}
	p.idle = nil
	p.active = make(map[string]*entry)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, sb := range victims {
		p.destroy(ctx, sb, "shutdown")
	}
	return nil
}

// total counts every sandbox the pool is responsible for. Callers hold p.mu.
func (p *Pool) total() int {
	return len(p.idle) + len(p.active) + p.creating
}

func (p *Pool) create(ctx context.Context) (*sandbox.Sandbox, error) {
	sb, err := p.rt.Create(ctx, sandbox.CreateOptions{
		Name:         fmt.Sprintf("swb-pool-%s", uuid.NewString()[:8]),
		Image:        p.cfg.Image,
		Cmd:          p.cfg.Cmd,
		Env:          p.cfg.Env,
		Caps:         p.cfg.Caps,
		AllowNetwork: p.cfg.AllowNetwork,
		Labels:       map[string]string{poolLabel: "true"},
	})
	if err != nil {
		return nil, fmt.Errorf("create pooled sandbox: %w", err)
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	p.metrics.IncCounter("pool.create", 1)
	return sb, nil
}

// resetWorkspace wipes the working directory inside the sandbox. The
// command is idempotent; a non-zero exit is a failed reset.
func (p *Pool) resetWorkspace(ctx context.Context, sb *sandbox.Sandbox) error {
	cmd := p.cfg.ResetCmd
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh", "-c",
			fmt.Sprintf("rm -rf %s/* %s/.[!.]* 2>/dev/null; true", p.cfg.Workspace, p.cfg.Workspace)}
	}
	res, err := p.rt.Exec(ctx, sb.ID, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("reset exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (p *Pool) destroy(ctx context.Context, sb *sandbox.Sandbox, reason string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.rt.Destroy(dctx, sb.ID); err != nil {
		p.logger.Warn(ctx, "sandbox destroy failed", "sandbox", sb.ID, "reason", reason, "err", err)
	}
	p.metrics.IncCounter("pool.destroy", 1, "reason", reason)
}

// replenish creates sandboxes until the idle floor is met or the pool is
// at capacity. One at a time so a slow daemon cannot pile up creates.
func (p *Pool) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MinIdle || p.total() >= p.cfg.MaxTotal {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		sb, err := p.create(ctx)
		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn(ctx, "pool replenish failed", "err", err)
			return
		}
		if p.closed {
			p.mu.Unlock()
			p.destroy(ctx, sb, "pool closed during replenish")
			return
		}
		p.idle = append(p.idle, &entry{sb: sb, lastUsedAt: time.Now()})
		p.mu.Unlock()
	}
}

// evict destroys idle sandboxes older than idleTTL while keeping the
// minIdle floor. The oldest entries sit at the bottom of the stack.
func (p *Pool) evict(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.IdleTTL)
	var victims []*sandbox.Sandbox

	p.mu.Lock()
	for len(p.idle) > p.cfg.MinIdle && p.idle[0].lastUsedAt.Before(cutoff) {
		victims = append(victims, p.idle[0].sb)
		p.idle = p.idle[1:]
		p.evicted++
	}
	p.mu.Unlock()

	for _, sb := range victims {
		p.destroy(ctx, sb, "idle ttl")
	}
}
