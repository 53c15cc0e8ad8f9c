package session

import (
	"context"
	"fmt"

	"github.com/switchboard-ai/switchboard/runtime/pool"
	"github.com/switchboard-ai/switchboard/runtime/sandbox"
)

type (
	// AcquireOptions override sandbox creation for a new session. The pool
	// source ignores them: pooled sandboxes are homogeneous.
	AcquireOptions struct {
		Image string
		Env   map[string]string
		Cmd   []string
	}

	// SandboxSource hands out and takes back session sandboxes. Implemented
	// by the pool adapter and the direct-runtime adapter.
	SandboxSource interface {
		Acquire(ctx context.Context, sessionID string, opts AcquireOptions) (*sandbox.Sandbox, error)
		Release(ctx context.Context, sessionID, sandboxID string) error
	}

	poolSource struct {
		pool *pool.Pool
	}

	runtimeSource struct {
		rt       sandbox.Runtime
		defaults AcquireOptions
		caps     sandbox.Caps
	}
)

// NewPoolSource adapts a warm pool to the SandboxSource interface.
func NewPoolSource(p *pool.Pool) SandboxSource {
	return &poolSource{pool: p}
}

func (s *poolSource) Acquire(ctx context.Context, sessionID string, _ AcquireOptions) (*sandbox.Sandbox, error) {
	return s.pool.Acquire(ctx, sessionID)
}

func (s *poolSource) Release(ctx context.Context, sessionID, _ string) error {
	return s.pool.Release(ctx, sessionID)
}

// NewRuntimeSource creates sandboxes directly, one per session, destroyed on
// release. defaults fill any field the caller leaves empty.
func NewRuntimeSource(rt sandbox.Runtime, defaults AcquireOptions, caps sandbox.Caps) SandboxSource {
	return &runtimeSource{rt: rt, defaults: defaults, caps: caps.WithDefaults()}
}

func (s *runtimeSource) Acquire(ctx context.Context, sessionID string, opts AcquireOptions) (*sandbox.Sandbox, error) {
	image := opts.Image
	if image == "" {
		image = s.defaults.Image
	}
	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = s.defaults.Cmd
	}
	env := make(map[string]string, len(s.defaults.Env)+len(opts.Env))
	for k, v := range s.defaults.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	sb, err := s.rt.Create(ctx, sandbox.CreateOptions{
		Name:  "swb-session-" + sessionID,
		Image: image,
		Cmd:   cmd,
		Env:   env,
		Caps:  s.caps,
	})
	if err != nil {
		return nil, fmt.Errorf("create session sandbox: %w", err)
	}
	return sb, nil
}

func (s *runtimeSource) Release(ctx context.Context, _, sandboxID string) error {
	return s.rt.Destroy(ctx, sandboxID)
}
