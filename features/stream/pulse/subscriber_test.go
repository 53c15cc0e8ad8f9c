package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/stream"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	groupSink := &fakeGroupSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{sinkFn: func(_ context.Context, name string) (clientspulse.Sink, error) {
		require.Equal(t, "switchboard_subscriber", name)
		return groupSink, nil
	}}
	cli := &fakePulseClient{streamFn: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "events:sess-1", name)
		return str, nil
	}}

	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := streams.Subscribe(context.Background(), "sess-1", SubscriberOptions{Buffer: 2})
	require.NoError(t, err)
	defer cancel()

	payload, _ := json.Marshal(envelope{
		Version:   envelopeVersion,
		Type:      stream.EventToolOutput,
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
		Payload:   stream.ToolOutputPayload{CallID: "c1", Output: "a.txt"},
	})
	groupSink.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(groupSink.ch)

	ev := <-events
	require.Equal(t, stream.EventToolOutput, ev.Type)
	var body stream.ToolOutputPayload
	require.NoError(t, json.Unmarshal(ev.Payload.(json.RawMessage), &body))
	require.Equal(t, "c1", body.CallID)
	require.Equal(t, "a.txt", body.Output)

	// Channel close means the consume loop finished, so the ack happened.
	_, open := <-events
	require.False(t, open)
	require.Equal(t, []string{"1-0"}, groupSink.acked)
	require.Empty(t, errs)
}

func TestSubscribeDecoderError(t *testing.T) {
	groupSink := &fakeGroupSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{sinkFn: func(context.Context, string) (clientspulse.Sink, error) {
		return groupSink, nil
	}}
	cli := &fakePulseClient{streamFn: func(string) (clientspulse.Stream, error) { return str, nil }}

	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := streams.Subscribe(context.Background(), "sess-1", SubscriberOptions{
		Decoder: func([]byte) (stream.Event, error) {
			return stream.Event{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)
	defer cancel()

	groupSink.ch <- &streaming.Event{Payload: []byte("{}")}
	close(groupSink.ch)

	require.Empty(t, events)
	require.EqualError(t, <-errs, "pulse decode payload: decode error")
}

func TestSubscribeStreamError(t *testing.T) {
	cli := &fakePulseClient{streamFn: func(string) (clientspulse.Stream, error) {
		return nil, errors.New("no stream")
	}}
	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)

	_, _, _, err = streams.Subscribe(context.Background(), "sess-1", SubscriberOptions{})
	require.EqualError(t, err, "no stream")
}
