package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/switchboard-ai/switchboard/runtime/sandbox"
)

// serverLabel tags tool server containers with the server name that owns
// them.
const serverLabel = "io.switchboard.server"

// SandboxOptions configures the sandbox-stdio transport.
type SandboxOptions struct {
	// ServerName is the owning tool server, used for container labels.
	ServerName string

	// Image is the container image to run. Required.
	Image string

	// Cmd overrides the image entrypoint arguments.
	Cmd []string

	// Env is the environment inside the container.
	Env map[string]string

	// MemoryMiB and CPUs cap the container. Zero takes sandbox defaults.
	MemoryMiB int64
	CPUs      float64

	// AllowNetwork opts the container into network access. Off by default.
	AllowNetwork bool

	// ProtocolVersion, ClientName and ClientVersion customize the
	// initialize handshake.
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

// SandboxStdio runs a tool server in a dedicated sandbox and speaks
// newline-delimited JSON-RPC over the attached stdio stream. When the stream
// is multiplexed (no TTY), stdout is demultiplexed from the 8-byte framed
// stream and stderr is discarded. Closing the transport destroys the
// sandbox.
type SandboxStdio struct {
	rt     sandbox.Runtime
	sb     *sandbox.Sandbox
	opts   SandboxOptions
	client *lineClient
}

var _ Transport = (*SandboxStdio)(nil)

// NewSandboxStdio provisions the container and wires the codec. The
// initialize handshake is deferred to Connect.
func NewSandboxStdio(ctx context.Context, rt sandbox.Runtime, opts SandboxOptions) (*SandboxStdio, error) {
	if opts.Image == "" {
		return nil, errors.New("transport: container image is required")
	}
	sb, err := rt.Create(ctx, sandbox.CreateOptions{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Caps:         sandbox.Caps{MemoryMiB: opts.MemoryMiB, CPUs: opts.CPUs},
		AllowNetwork: opts.AllowNetwork,
		AttachStdio:  true,
		Labels:       map[string]string{serverLabel: opts.ServerName},
	})
	if err != nil {
		return nil, err
	}
	if sb.IO == nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = rt.Destroy(dctx, sb.ID)
		return nil, errors.New("transport: sandbox runtime returned no stdio stream")
	}

	r := io.Reader(sb.IO)
	if sb.Multiplexed {
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, io.Discard, sb.IO)
			if err == nil {
				err = io.EOF
			}
			_ = pw.CloseWithError(err)
		}()
		r = pr
	}

	t := &SandboxStdio{rt: rt, sb: sb, opts: opts}
	t.client = newLineClient(sb.IO, r, t.teardown)
	return t, nil
}

// Connect performs the initialize handshake with the containerized server.
func (t *SandboxStdio) Connect(ctx context.Context) (Handshake, error) {
	var res initializeResult
	params := initializeParams(t.opts.ProtocolVersion, t.opts.ClientName, t.opts.ClientVersion)
	if err := t.client.call(ctx, "initialize", params, &res); err != nil {
		return Handshake{}, err
	}
	return res.handshake(), nil
}

// ListTools fetches the server's tool catalog.
func (t *SandboxStdio) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var res toolsListResult
	if err := t.client.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	return res.infos(), nil
}

// CallTool invokes tools/call inside the sandbox.
func (t *SandboxStdio) CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error) {
	var res toolsCallResult
	if err := t.client.call(ctx, "tools/call", callParams(tool, args), &res); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(res)
}

// Close tears the connection down and destroys the sandbox.
func (t *SandboxStdio) Close() error {
	t.client.close()
	return nil
}

// SandboxID returns the backing sandbox identifier for observability.
func (t *SandboxStdio) SandboxID() string { return t.sb.ID }

func (t *SandboxStdio) teardown() {
	_ = t.sb.IO.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = t.rt.Destroy(ctx, t.sb.ID)
}
