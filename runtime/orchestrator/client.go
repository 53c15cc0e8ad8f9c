package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/turn"
)

// ClientSession is one attached client's handle on its session. Methods map
// to the inbound client events: HandleMessage for message, HandleApproval
// for approval, ResetHistory for history:reset. Safe for concurrent use.
type ClientSession struct {
	id     string
	orc    *Orchestrator
	engine *turn.Engine
	gate   *turn.Gate
	sink   stream.Sink

	mu     sync.Mutex
	closed bool
}

// SessionID returns the bound session id.
func (s *ClientSession) SessionID() string { return s.id }

// HandleMessage runs one turn for the client's message, blocking until the
// turn completes, fails, or is cancelled. The session's activity is bumped
// first so the janitor never reaps a session mid-turn. Admission is capped
// per client; excess requests fail with Backpressure before any I/O.
func (s *ClientSession) HandleMessage(ctx context.Context, text string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.gate.Enter(); err != nil {
		s.reportError(ctx, err)
		return err
	}
	defer s.gate.Leave()

	if _, err := s.orc.sessions.Heartbeat(ctx, s.id); err != nil {
		s.reportError(ctx, err)
		return err
	}
	return s.engine.GenerateTurn(ctx, text)
}

// HandleApproval records the client's verdict for one pending tool call.
// Verdicts for unknown calls fail with NotFound; a duplicate verdict for an
// already-ruled call is ignored.
func (s *ClientSession) HandleApproval(ctx context.Context, callID string, approved bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.gate.Enter(); err != nil {
		s.reportError(ctx, err)
		return err
	}
	defer s.gate.Leave()
	return s.engine.ResolveApproval(callID, approved)
}

// ResetHistory clears the session transcript and notifies the client. The
// binding and its sandbox stay untouched.
func (s *ClientSession) ResetHistory(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.orc.conv.Clear(ctx, s.id); err != nil {
		s.reportError(ctx, err)
		return fmt.Errorf("clear conversation: %w", err)
	}
	return s.sink.Send(ctx, stream.SystemMessage("Conversation history cleared."))
}

// Close cancels the client's in-flight work and releases the handle.
// Pending approvals unblock, late tool results are discarded, and the
// session record persists so the client can reconnect. Idempotent.
func (s *ClientSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.engine.Cleanup()
	s.orc.detach(s)
}

func (s *ClientSession) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fault.New(fault.Conflict, "session_closed", "client session is closed")
	}
	return nil
}

func (s *ClientSession) notifyShutdown(ctx context.Context) {
	ev := stream.SystemMessage("Server is shutting down.")
	if err := s.sink.Send(ctx, ev); err != nil {
		s.orc.logger.Warn(ctx, "shutdown notice delivery failed", "session", s.id, "err", err)
	}
}

// reportError surfaces a rejected request on the event stream so interactive
// clients see why nothing happened.
func (s *ClientSession) reportError(ctx context.Context, err error) {
	ev := stream.Error(fault.CodeOf(err, "internal"), err.Error())
	if serr := s.sink.Send(context.WithoutCancel(ctx), ev); serr != nil {
		s.orc.logger.Warn(ctx, "error event delivery failed", "session", s.id, "err", serr)
	}
}
