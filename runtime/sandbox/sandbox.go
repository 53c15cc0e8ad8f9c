// Package sandbox defines the container runtime abstraction sessions execute
// in. A Runtime provisions isolated workspaces with capped resources and no
// network by default; the docker subpackage is the production implementation
// and Gate wraps any Runtime with admission control and retry.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Default resource caps applied when CreateOptions.Caps is zero.
const (
	DefaultMemoryMiB = 512
	DefaultCPUs      = 0.5
)

type (
	// Runtime provisions and manages sandboxes. Implementations must be safe
	// for concurrent use; the session manager and pool share one Runtime.
	Runtime interface {
		// Create provisions a sandbox and starts it. When opts.AttachStdio is
		// set the returned Sandbox carries a live IO stream suitable for the
		// sandbox-stdio transport.
		Create(ctx context.Context, opts CreateOptions) (*Sandbox, error)

		// Exec runs cmd inside the sandbox and returns its output. Used for
		// workspace resets and health probes, not for tool traffic.
		Exec(ctx context.Context, sandboxID string, cmd []string) (ExecResult, error)

		// Destroy force-removes the sandbox. Destroying an already-gone
		// sandbox is not an error.
		Destroy(ctx context.Context, sandboxID string) error

		// Close releases the runtime's own resources. It does not destroy
		// outstanding sandboxes.
		Close() error
	}

	// CreateOptions configures one sandbox.
	CreateOptions struct {
		// Name is the sandbox name, unique per runtime. Empty lets the
		// implementation generate one.
		Name string

		// Image is the container image reference.
		Image string

		// Cmd overrides the image entrypoint arguments.
		Cmd []string

		// Env is the environment applied inside the sandbox.
		Env map[string]string

		// Caps are the resource caps. Zero fields take the package defaults;
		// network stays disabled unless AllowNetwork is set.
		Caps Caps

		// AllowNetwork opts the sandbox into network access.
		AllowNetwork bool

		// AttachStdio attaches stdin/stdout/stderr and surfaces them through
		// Sandbox.IO.
		AttachStdio bool

		// Labels tag the underlying container for operator tooling.
		Labels map[string]string
	}

	// Caps bounds sandbox resource usage.
	Caps struct {
		// MemoryMiB is the memory limit in MiB. Zero means DefaultMemoryMiB.
		MemoryMiB int64

		// CPUs is the CPU quota in cores. Zero means DefaultCPUs.
		CPUs float64
	}

	// Sandbox is a provisioned workspace.
	Sandbox struct {
		// ID is the runtime-assigned identifier.
		ID string

		// Name is the sandbox name.
		Name string

		// IO is the attached stdio stream when the sandbox was created with
		// AttachStdio, nil otherwise. Writes go to the sandbox stdin; reads
		// deliver its output.
		IO io.ReadWriteCloser

		// Multiplexed reports whether IO interleaves stdout and stderr with
		// 8-byte stream headers that readers must demultiplex.
		Multiplexed bool

		// CreatedAt is when the sandbox was provisioned.
		CreatedAt time.Time
	}

	// ExecResult is the outcome of one Exec invocation.
	ExecResult struct {
		ExitCode int
		Stdout   string
		Stderr   string
	}
)

// WithDefaults returns c with zero fields replaced by package defaults.
func (c Caps) WithDefaults() Caps {
	if c.MemoryMiB <= 0 {
		c.MemoryMiB = DefaultMemoryMiB
	}
	if c.CPUs <= 0 {
		c.CPUs = DefaultCPUs
	}
	return c
}
