// Package fault provides the structured error taxonomy shared across the
// orchestrator. Every failure that crosses a component boundary is classified
// into a Kind so callers can decide between retrying, surfacing, and tearing
// down without inspecting error strings. Errors preserve their cause chain and
// support errors.Is/As.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by the way callers should react to it.
type Kind string

const (
	// Validation marks a malformed configuration or request. Not retryable.
	Validation Kind = "validation"
	// Conflict marks a duplicate name, a held lock, or a state mismatch.
	Conflict Kind = "conflict"
	// NotFound marks a missing server, session, call, or tool.
	NotFound Kind = "not_found"
	// Contention marks a lost race for a shared resource (e.g. a session
	// creation lock). Retryable.
	Contention Kind = "contention"
	// Backpressure marks admission rejection: a full queue or too many
	// concurrent requests. Retryable after backoff.
	Backpressure Kind = "backpressure"
	// TransientExternal marks an upstream failure that is expected to heal:
	// 5xx responses, connection refused, timeouts. Retryable with jitter.
	TransientExternal Kind = "transient_external"
	// PermanentExternal marks a non-retryable upstream rejection (4xx).
	PermanentExternal Kind = "permanent_external"
	// IntegrityViolation marks a parse, schema, or framing error. Fatal to
	// the affected stream; the connection must be re-established.
	IntegrityViolation Kind = "integrity_violation"
	// Cancelled marks cooperative cancellation.
	Cancelled Kind = "cancelled"
)

// Error is a classified failure. Code is a short machine-readable identifier
// (surfaced to clients as the error event code); Message is human-readable.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

// New constructs an Error without an underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Errorf constructs an Error with a formatted message.
func Errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The message defaults to the cause's
// message when empty.
func Wrap(kind Kind, code string, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil && e.cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s", e.Message, e.cause.Error())
	}
	return e.Message
}

// Unwrap exposes the cause chain for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors that carry the same Kind and, when set on the target,
// the same Code. This lets callers test with errors.Is(err,
// &Error{Kind: NotFound}) without caring about message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// KindOf reports the Kind of err. Context cancellation and deadline errors
// map to Cancelled; timeouts inside classified errors keep their
// classification. Unclassified errors report the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return ""
}

// IsRetryable reports whether the error's kind permits a retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Contention, Backpressure, TransientExternal:
		return true
	default:
		return false
	}
}

// CodeOf returns the machine code of err, or fallback when err carries none.
func CodeOf(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return fallback
}
