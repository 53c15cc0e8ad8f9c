// Package docker implements sandbox.Runtime on the Docker Engine API.
// Sandboxes are containers with capped memory and CPU, no network unless
// requested, and optionally attached stdio for the sandbox-stdio transport.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/sandbox"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
)

// managedLabel tags every container this runtime creates so operator tooling
// can find and reap them.
const managedLabel = "io.switchboard.managed"

type (
	// Runtime is the Docker-backed sandbox runtime.
	Runtime struct {
		cli    *docker.Client
		logger telemetry.Logger
	}

	// Option customizes a Runtime.
	Option func(*Runtime)
)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New connects to the Docker daemon using the standard environment
// (DOCKER_HOST et al) with API version negotiation.
func New(opts ...Option) (*Runtime, error) {
	cli, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker daemon: %w", err)
	}
	r := &Runtime{cli: cli, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewFromClient wraps an existing Docker client.
func NewFromClient(cli *docker.Client, opts ...Option) *Runtime {
	r := &Runtime{cli: cli, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create provisions and starts a sandbox container. With AttachStdio the
// stdio streams are hijacked before start so no output is lost; the returned
// IO is multiplexed with Docker's 8-byte stream headers (no TTY).
func (r *Runtime) Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	name := opts.Name
	if name == "" {
		name = "sbx-" + uuid.NewString()[:8]
	}
	caps := opts.Caps.WithDefaults()

	labels := map[string]string{managedLabel: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        opts.Image,
		Cmd:          strslice.StrSlice(opts.Cmd),
		Env:          flattenEnv(opts.Env),
		Labels:       labels,
		OpenStdin:    opts.AttachStdio,
		AttachStdin:  opts.AttachStdio,
		AttachStdout: opts.AttachStdio,
		AttachStderr: opts.AttachStdio,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   caps.MemoryMiB << 20,
			NanoCPUs: int64(caps.CPUs * 1e9),
		},
	}
	if !opts.AllowNetwork {
		hostCfg.NetworkMode = network.NetworkNone
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil && docker.IsErrNotFound(err) {
		// Image absent locally. Pull once and retry.
		if perr := r.pullImage(ctx, opts.Image); perr != nil {
			return nil, perr
		}
		resp, err = r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return nil, classify("create container", err)
	}

	var hijack *types.HijackedResponse
	if opts.AttachStdio {
		hr, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
			Stream: true,
			Stdin:  true,
			Stdout: true,
			Stderr: true,
		})
		if err != nil {
			_ = r.removeContainer(context.WithoutCancel(ctx), resp.ID)
			return nil, classify("attach container", err)
		}
		hijack = &hr
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if hijack != nil {
			hijack.Close()
		}
		_ = r.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return nil, classify("start container", err)
	}

	sb := &sandbox.Sandbox{
		ID:        resp.ID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if hijack != nil {
		sb.IO = &hijackedIO{hr: *hijack}
		sb.Multiplexed = true
	}
	r.logger.Debug(ctx, "sandbox created", "sandboxId", sb.ID, "name", name, "image", opts.Image)
	return sb, nil
}

// Exec runs cmd inside the container and collects its demultiplexed output.
func (r *Runtime) Exec(ctx context.Context, sandboxID string, cmd []string) (sandbox.ExecResult, error) {
	exec, err := r.cli.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return sandbox.ExecResult{}, classify("create exec", err)
	}

	hr, err := r.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return sandbox.ExecResult{}, classify("attach exec", err)
	}
	defer hr.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hr.Reader); err != nil {
		return sandbox.ExecResult{}, classify("read exec output", err)
	}

	res := sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	// The exec may report Running for a moment after the stream closes.
	for {
		ins, err := r.cli.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return res, classify("inspect exec", err)
		}
		if !ins.Running {
			res.ExitCode = ins.ExitCode
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Destroy force-removes the container. A container that is already gone is
// treated as destroyed.
func (r *Runtime) Destroy(ctx context.Context, sandboxID string) error {
	if err := r.removeContainer(ctx, sandboxID); err != nil {
		if docker.IsErrNotFound(err) {
			return nil
		}
		return classify("remove container", err)
	}
	r.logger.Debug(ctx, "sandbox destroyed", "sandboxId", sandboxID)
	return nil
}

// Close releases the Docker client. Outstanding sandboxes keep running.
func (r *Runtime) Close() error { return r.cli.Close() }

func (r *Runtime) removeContainer(ctx context.Context, id string) error {
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
}

func (r *Runtime) pullImage(ctx context.Context, ref string) error {
	r.logger.Info(ctx, "pulling sandbox image", "image", ref)
	rd, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull image", err)
	}
	defer rd.Close()
	if _, err := io.Copy(io.Discard, rd); err != nil {
		return classify("pull image", err)
	}
	return nil
}

// flattenEnv renders the env map in Docker's K=V form, sorted so container
// configs are deterministic.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// classify maps Docker daemon failures onto the fault taxonomy so the gate
// can decide what to retry. Connection failures and timeouts are transient;
// missing objects and bad requests are not.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case docker.IsErrNotFound(err):
		return fault.Wrap(fault.NotFound, "sandbox_not_found", err, op+" failed")
	case docker.IsErrConnectionFailed(err), errors.Is(err, context.DeadlineExceeded), isNetTimeout(err):
		return fault.Wrap(fault.TransientExternal, "daemon_unavailable", err, op+" failed")
	default:
		return fault.Wrap(fault.PermanentExternal, "daemon_error", err, op+" failed")
	}
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// hijackedIO adapts Docker's hijacked attach stream to io.ReadWriteCloser.
// Reads come from the buffered response reader (multiplexed), writes go to
// the raw connection (container stdin).
type hijackedIO struct {
	hr types.HijackedResponse
}

func (h *hijackedIO) Read(p []byte) (int, error)  { return h.hr.Reader.Read(p) }
func (h *hijackedIO) Write(p []byte) (int, error) { return h.hr.Conn.Write(p) }

func (h *hijackedIO) Close() error {
	h.hr.Close()
	return nil
}
