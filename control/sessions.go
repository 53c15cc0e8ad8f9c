package control

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/stream"
)

type (
	// ClientConn is the per-session handle the session plane returns on
	// attach. Satisfied by *orchestrator.ClientSession.
	ClientConn interface {
		HandleMessage(ctx context.Context, text string) error
		HandleApproval(ctx context.Context, callID string, approved bool) error
		ResetHistory(ctx context.Context) error
		Close()
	}

	// AttachFunc binds an event sink to a session and returns the live
	// connection handle.
	AttachFunc func(ctx context.Context, sessionID string, sink stream.Sink) (ClientConn, error)

	// messageRequest is the POST message body.
	messageRequest struct {
		Text string `json:"text"`
	}

	// approvalRequest is the POST approval body.
	approvalRequest struct {
		CallID   string `json:"callId"`
		Approved bool   `json:"approved"`
	}

	// sessionName echoes the affected session on mutations.
	sessionName struct {
		SessionID string `json:"sessionId"`
	}
)

// sessionEvents attaches the caller to a session and streams its events as
// server-sent events until the client disconnects. Reconnecting replaces the
// previous attachment for the session.
func (a *API) sessionEvents(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	sink := newConnSink(64)
	conn, err := a.attach(ctx, id, sink)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.register(ctx, id, conn)
	defer func() {
		a.deregister(id, conn)
		conn.Close()
		sink.close()
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Stream(func(io.Writer) bool {
		select {
		case ev := <-sink.ch:
			payload := ev.Payload
			if payload == nil {
				payload = struct{}{}
			}
			c.SSEvent(ev.Type, payload)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// postMessage starts a turn. The outcome streams through the session's event
// channel, so the request is acknowledged as soon as the turn is handed off.
func (a *API) postMessage(c *gin.Context) {
	id := c.Param("id")
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, errorResponse{
			Code:    "invalid_body",
			Message: "request body must be JSON with a non-empty text",
		})
		return
	}
	conn, ok := a.conn(id)
	if !ok {
		a.fail(c, errNotAttached(id))
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := conn.HandleMessage(ctx, req.Text); err != nil {
			a.logger.Warn(ctx, "message handling failed", "session", id, "err", err)
		}
	}()
	c.JSON(http.StatusAccepted, sessionName{SessionID: id})
}

// postApproval resolves one pending tool call.
func (a *API) postApproval(c *gin.Context) {
	id := c.Param("id")
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{
			Code:    "invalid_body",
			Message: "request body must be JSON with callId and approved",
		})
		return
	}
	conn, ok := a.conn(id)
	if !ok {
		a.fail(c, errNotAttached(id))
		return
	}
	if err := conn.HandleApproval(c.Request.Context(), req.CallID, req.Approved); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionName{SessionID: id})
}

// resetHistory clears the session's conversation.
func (a *API) resetHistory(c *gin.Context) {
	id := c.Param("id")
	conn, ok := a.conn(id)
	if !ok {
		a.fail(c, errNotAttached(id))
		return
	}
	if err := conn.ResetHistory(c.Request.Context()); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionName{SessionID: id})
}

func errNotAttached(id string) error {
	return fault.Errorf(fault.NotFound, "session_not_attached", "no live event stream for session %s", id)
}

// register records the live attachment. A previous attachment for the same
// session is closed so a reconnecting client supersedes a stale stream.
func (a *API) register(ctx context.Context, id string, conn ClientConn) {
	a.mu.Lock()
	old := a.conns[id]
	a.conns[id] = conn
	a.mu.Unlock()
	if old != nil {
		a.logger.Info(ctx, "session reattached", "session", id)
		old.Close()
	}
}

func (a *API) deregister(id string, conn ClientConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns[id] == conn {
		delete(a.conns, id)
	}
}

func (a *API) conn(id string) (ClientConn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.conns[id]
	return conn, ok
}

// connSink buffers engine events for one attached client. Send blocks when
// the buffer is full, which holds back the turn engine instead of dropping
// events on a slow client.
type connSink struct {
	ch   chan stream.Event
	done chan struct{}
	once sync.Once
}

func newConnSink(buf int) *connSink {
	return &connSink{ch: make(chan stream.Event, buf), done: make(chan struct{})}
}

func (s *connSink) Send(ctx context.Context, ev stream.Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return fault.New(fault.Cancelled, "client_gone", "event stream closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *connSink) close() { s.once.Do(func() { close(s.done) }) }
