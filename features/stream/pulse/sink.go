// Package pulse exposes a stream.Sink implementation that publishes session
// events to goa.design/pulse streams, and a subscriber that reads them back.
// Worker-mode deployments publish from the process that runs the turn and
// subscribe from the process that holds the client connection.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/stream"
)

// envelopeVersion is bumped when the envelope shape changes in a way
// consumers must detect.
const envelopeVersion = 1

type (
	// Options configures the session event streams.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the Pulse stream name from a session ID. Defaults
		// to `events:<sessionID>`.
		StreamID func(sessionID string) string
		// OnPublished, when set, runs after each successful publish with the
		// stream and entry identifiers. Errors abort the Send.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent describes one event successfully written to a stream.
	PublishedEvent struct {
		Event    stream.Event
		StreamID string
		EntryID  string
	}

	// Streams publishes session events into Pulse streams and spawns
	// subscribers that read them back. Safe for concurrent use.
	Streams struct {
		client      clientspulse.Client
		streamID    func(string) string
		onPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// envelope wraps session events for transmission over Pulse streams.
	envelope struct {
		// Version identifies the envelope shape.
		Version int `json:"v"`
		// Type identifies the event kind (e.g., "response", "toolOutput").
		Type string `json:"type"`
		// SessionID links the event to the session that produced it.
		SessionID string `json:"session_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}

	// sessionSink publishes one session's events to its Pulse stream.
	sessionSink struct {
		parent    *Streams
		sessionID string
		streamID  string
		handle    clientspulse.Stream
	}
)

// NewStreams constructs the session event streams. The Client field in opts
// is required; the rest defaults to built-in implementations.
func NewStreams(opts Options) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Streams{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
	}, nil
}

// SessionSink returns a stream.Sink that publishes the session's events onto
// its Pulse stream.
func (s *Streams) SessionSink(sessionID string) (stream.Sink, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	streamID := s.streamID(sessionID)
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return nil, err
	}
	return &sessionSink{
		parent:    s,
		sessionID: sessionID,
		streamID:  streamID,
		handle:    handle,
	}, nil
}

// Close releases resources owned by the streams.
func (s *Streams) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// Send publishes the event wrapped in a versioned envelope.
func (k *sessionSink) Send(ctx context.Context, ev stream.Event) error {
	env := envelope{
		Version:   envelopeVersion,
		Type:      ev.Type,
		SessionID: k.sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   ev.Payload,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	entryID, err := k.handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if k.parent.onPublished != nil {
		return k.parent.onPublished(ctx, PublishedEvent{
			Event:    ev,
			StreamID: k.streamID,
			EntryID:  entryID,
		})
	}
	return nil
}

func defaultStreamID(sessionID string) string {
	return "events:" + sessionID
}
