package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/sandbox"
	"github.com/switchboard-ai/switchboard/runtime/toolserver"
	"github.com/switchboard-ai/switchboard/runtime/transport"
)

type (
	// Dialer opens a transport for a server config. The manager owns the
	// returned transport and closes it on disconnect.
	Dialer interface {
		Dial(ctx context.Context, name string, cfg toolserver.ServerConfig) (transport.Transport, error)
	}

	// DialerFunc adapts a function to the Dialer interface.
	DialerFunc func(ctx context.Context, name string, cfg toolserver.ServerConfig) (transport.Transport, error)

	transportDialer struct {
		runtime sandbox.Runtime
	}
)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, name string, cfg toolserver.ServerConfig) (transport.Transport, error) {
	return f(ctx, name, cfg)
}

// NewTransportDialer returns the production dialer. rt backs sandbox-stdio
// servers and may be nil when no such servers are configured.
func NewTransportDialer(rt sandbox.Runtime) Dialer {
	return &transportDialer{runtime: rt}
}

func (d *transportDialer) Dial(ctx context.Context, name string, cfg toolserver.ServerConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case transport.KindSandboxStdio:
		if d.runtime == nil {
			return nil, fault.Errorf(fault.Validation, "no_sandbox_runtime", "server %q needs a sandbox runtime", name)
		}
		return transport.NewSandboxStdio(ctx, d.runtime, transport.SandboxOptions{
			ServerName: name,
			Image:      cfg.ContainerImage,
			Env:        cfg.ContainerEnv,
			MemoryMiB:  cfg.ContainerMemoryMiB,
			CPUs:       cfg.ContainerCPU,
		})
	case transport.KindLocalStdio:
		return transport.NewLocalStdio(transport.LocalOptions{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Cwd,
		})
	case transport.KindHTTP:
		opts := transport.HTTPOptions{URL: cfg.URL, Headers: cfg.Headers}
		if cfg.TimeoutMs > 0 {
			opts.Client = &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond}
		}
		return transport.NewHTTP(opts)
	case transport.KindSSE:
		// No client-level timeout: the response stream outlives single calls.
		return transport.NewSSE(transport.HTTPOptions{URL: cfg.URL, Headers: cfg.Headers})
	default:
		return nil, fault.Errorf(fault.Validation, "invalid_config", "unknown transport %q for server %q", cfg.Transport, name)
	}
}
