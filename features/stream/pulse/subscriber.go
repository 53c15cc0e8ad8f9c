package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/stream"
)

// EnvelopeDecoder converts raw payloads read from Pulse into session events.
type EnvelopeDecoder func([]byte) (stream.Event, error)

// SubscriberOptions configures a session stream subscription.
type SubscriberOptions struct {
	// SinkName identifies the Pulse consumer group. Defaults to
	// "switchboard_subscriber".
	SinkName string
	// Buffer specifies the event channel capacity. Defaults to 64.
	Buffer int
	// Decoder deserializes event payloads. Defaults to the built-in JSON
	// envelope decoder.
	Decoder EnvelopeDecoder
}

// Subscribe opens a consumer group on the session's stream and returns
// channels for events and errors. It spawns a goroutine that consumes from
// the sink, decodes envelopes, and emits session events. The returned cancel
// function stops consumption and closes both channels.
func (s *Streams) Subscribe(
	ctx context.Context,
	sessionID string,
	opts SubscriberOptions,
	sinkOpts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	name := opts.SinkName
	if name == "" {
		name = "switchboard_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decode := opts.Decoder
	if decode == nil {
		decode = decodeEnvelope
	}

	str, err := s.client.Stream(s.streamID(sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, name, sinkOpts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, decode, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them, and emits
// them on the out channel. It acks each event after successful emission and
// closes both channels when ctx is canceled or the sink channel closes.
func consume(ctx context.Context, sink clientspulse.Sink, decode EnvelopeDecoder, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope format and extracts
// the session event. The payload stays raw JSON; consumers forwarding events
// to clients re-serialize it unchanged.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Version   int             `json:"v"`
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return stream.Event{}, err
	}
	ev := stream.Event{Type: env.Type}
	if len(env.Payload) > 0 {
		ev.Payload = env.Payload
	}
	return ev, nil
}
