// Package transport implements the JSON-RPC client side of tool server
// connections. Four transports share one contract: sandbox-stdio (dedicated
// container with demultiplexed stdio), local-stdio (child process with
// newline-delimited frames), http (POST per request), and sse (POST with an
// event-stream reply).
package transport

import (
	"context"
	"time"
)

// Kind names for the transport discriminator in tool server configs.
const (
	KindSandboxStdio = "sandbox-stdio"
	KindLocalStdio   = "local-stdio"
	KindHTTP         = "http"
	KindSSE          = "sse"
)

// DefaultProtocolVersion is the protocol version offered during initialize
// when none is configured.
const DefaultProtocolVersion = "2024-11-05"

// DefaultCallTimeout bounds a single RPC when the server config does not
// override it.
const DefaultCallTimeout = 30 * time.Second

type (
	// Transport is a live connection to one tool server. Implementations are
	// safe for concurrent CallTool use; Connect and Close are called by the
	// connection manager only.
	Transport interface {
		// Connect performs the initialize handshake. It must be called once
		// before tool traffic; a failed handshake leaves the transport
		// unusable and the caller is expected to Close it.
		Connect(ctx context.Context) (Handshake, error)

		// ListTools fetches the server's tool catalog.
		ListTools(ctx context.Context) ([]ToolInfo, error)

		// CallTool invokes one tool with the given arguments and returns the
		// normalized result. Server-reported tool failures come back as
		// CallResult.IsError, not as a Go error.
		CallTool(ctx context.Context, tool string, args map[string]any) (CallResult, error)

		// Close tears the connection down and releases its process or
		// container. Idempotent.
		Close() error
	}

	// Handshake is the server's initialize response.
	Handshake struct {
		ProtocolVersion string
		ServerName      string
		ServerVersion   string
	}

	// ToolInfo describes one tool as advertised by the server.
	ToolInfo struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// CallResult is the normalized outcome of one tools/call.
	CallResult struct {
		// Content is the textual output: text items joined by newlines, or
		// the JSON encoding of non-text content.
		Content string

		// IsError marks a failure the tool itself reported.
		IsError bool
	}
)
