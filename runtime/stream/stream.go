// Package stream defines the event vocabulary the orchestrator emits to
// connected clients and the Sink contract the turn engine writes through.
// Event types and payload shapes are part of the client protocol; renaming a
// field here is a wire change.
package stream

import "context"

// Event types delivered to clients.
const (
	EventReady            = "ready"
	EventThinking         = "thinking"
	EventResponse         = "response"
	EventApprovalRequired = "approvalRequired"
	EventToolOutput       = "toolOutput"
	EventError            = "error"
	EventSystemMessage    = "system:message"
)

type (
	// Event is one client-bound message. Payload is the type-specific body:
	// a string for response and system:message, a struct for the rest, nil
	// for thinking.
	Event struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}

	// ReadyPayload announces a bound session.
	ReadyPayload struct {
		SessionID string `json:"sessionId"`
		SandboxID string `json:"sandboxId"`
		Provider  string `json:"provider"`
		Model     string `json:"model"`
	}

	// ApprovalRequiredPayload asks the client to rule on one tool call.
	// Position and Total locate the call within the turn's approval queue.
	ApprovalRequiredPayload struct {
		CallID     string         `json:"callId"`
		ServerName string         `json:"serverName"`
		ToolName   string         `json:"toolName"`
		Args       map[string]any `json:"args,omitempty"`
		Position   int            `json:"position"`
		Total      int            `json:"total"`
	}

	// ToolOutputPayload carries one tool call's output.
	ToolOutputPayload struct {
		CallID string `json:"callId"`
		Output string `json:"output"`
	}

	// ErrorPayload reports a turn or session failure.
	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	// Sink receives client-bound events. Implementations route to an attached
	// client connection, a pub/sub channel for worker mode, or a broadcast
	// stream. Send must be safe for concurrent use.
	Sink interface {
		Send(ctx context.Context, ev Event) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(ctx context.Context, ev Event) error
)

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Ready builds the session-bound announcement.
func Ready(sessionID, sandboxID, provider, model string) Event {
	return Event{Type: EventReady, Payload: ReadyPayload{
		SessionID: sessionID,
		SandboxID: sandboxID,
		Provider:  provider,
		Model:     model,
	}}
}

// Thinking signals that a model invocation started.
func Thinking() Event {
	return Event{Type: EventThinking}
}

// Response carries the assistant's final text for the turn.
func Response(text string) Event {
	return Event{Type: EventResponse, Payload: text}
}

// ApprovalRequired asks the client to approve or reject one tool call.
func ApprovalRequired(p ApprovalRequiredPayload) Event {
	return Event{Type: EventApprovalRequired, Payload: p}
}

// ToolOutput reports one tool call's output.
func ToolOutput(callID, output string) Event {
	return Event{Type: EventToolOutput, Payload: ToolOutputPayload{CallID: callID, Output: output}}
}

// Error reports a failure with a stable machine-readable code.
func Error(code, message string) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Code: code, Message: message}}
}

// SystemMessage carries an out-of-band notice (janitor reclaim, server
// config changes, graceful shutdown).
func SystemMessage(text string) Event {
	return Event{Type: EventSystemMessage, Payload: text}
}
