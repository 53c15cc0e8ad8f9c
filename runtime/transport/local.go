package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// LocalOptions configures the local-stdio transport.
type LocalOptions struct {
	// Command is the executable to spawn. Required.
	Command string

	// Args are the command arguments.
	Args []string

	// Env is merged over the parent environment.
	Env map[string]string

	// Dir is the working directory. Empty inherits the parent's.
	Dir string

	// ProtocolVersion, ClientName and ClientVersion customize the
	// initialize handshake. Zero values take package defaults.
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

// LocalStdio runs a tool server as a child process and speaks
// newline-delimited JSON-RPC over its stdin/stdout. stderr is drained and
// discarded so the child never blocks on it.
type LocalStdio struct {
	opts      LocalOptions
	cmd       *exec.Cmd
	client    *lineClient
	closeOnce sync.Once
}

var _ Transport = (*LocalStdio)(nil)

// NewLocalStdio spawns the configured command. The initialize handshake is
// deferred to Connect so callers can treat spawn and handshake failures
// uniformly.
func NewLocalStdio(opts LocalOptions) (*LocalStdio, error) {
	if opts.Command == "" {
		return nil, errors.New("transport: command is required")
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		env := os.Environ()
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+opts.Env[k])
		}
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	t := &LocalStdio{opts: opts, cmd: cmd}
	t.client = newLineClient(stdin, stdout, func() {
		_ = stdin.Close()
		t.terminate()
	})
	if stderr != nil {
		go io.Copy(io.Discard, stderr) //nolint:errcheck // best-effort drain
	}
	return t, nil
}

// Connect performs the initialize handshake with the child.
func (t *LocalStdio) Connect(ctx context.Context) (Handshake, error) {
	var res initializeResult
	params := initializeParams(t.opts.ProtocolVersion, t.opts.ClientName, t.opts.ClientVersion)
	if err := t.client.call(ctx, "initialize", params, &res); err != nil {
		return Handshake{}, err
	}
	return res.handshake(), nil
}

// ListTools fetches the child's tool catalog.
func (t *LocalStdio) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var res toolsListResult
	if err := t.client.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	return res.infos(), nil
}

// CallTool invokes tools/call on the child.
func (t *LocalStdio) CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error) {
	var res toolsCallResult
	if err := t.client.call(ctx, "tools/call", callParams(tool, args), &res); err != nil {
		return CallResult{}, err
	}
	return normalizeToolResult(res)
}

// Close shuts the connection down and reaps the child process.
func (t *LocalStdio) Close() error {
	t.client.close()
	return nil
}

// terminate gives the child a short grace period after stdin closes, then
// kills it. Runs once, from the line client's teardown hook.
func (t *LocalStdio) terminate() {
	t.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			_ = t.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-done
		}
	})
}
