package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/switchboard-ai/switchboard/features/stream/pulse/clients/pulse"
	"github.com/switchboard-ai/switchboard/runtime/stream"
)

type fakePulseClient struct {
	streamFn func(name string) (clientspulse.Stream, error)
	closed   bool
}

func (f *fakePulseClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return f.streamFn(name)
}

func (f *fakePulseClient) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

type fakeStream struct {
	addFn  func(ctx context.Context, event string, payload []byte) (string, error)
	sinkFn func(ctx context.Context, name string) (clientspulse.Sink, error)
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.addFn == nil {
		return "", errors.New("unexpected Add")
	}
	return f.addFn(ctx, event, payload)
}

func (f *fakeStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	if f.sinkFn == nil {
		return nil, errors.New("unexpected NewSink")
	}
	return f.sinkFn(ctx, name)
}

func (f *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeGroupSink struct {
	ch    chan *streaming.Event
	acked []string
}

func (f *fakeGroupSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeGroupSink) Ack(_ context.Context, evt *streaming.Event) error {
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeGroupSink) Close(context.Context) {}

func TestSessionSinkPublishesEnvelope(t *testing.T) {
	str := &fakeStream{}
	str.addFn = func(_ context.Context, event string, payload []byte) (string, error) {
		require.Equal(t, stream.EventResponse, event)
		var env envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		require.Equal(t, envelopeVersion, env.Version)
		require.Equal(t, "sess-1", env.SessionID)
		require.Equal(t, "all done", env.Payload)
		require.False(t, env.Timestamp.IsZero())
		return "1-0", nil
	}
	cli := &fakePulseClient{streamFn: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "events:sess-1", name)
		return str, nil
	}}

	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)

	sink, err := streams.SessionSink("sess-1")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), stream.Response("all done")))
}

func TestOnPublishedCalled(t *testing.T) {
	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) {
		return "42-0", nil
	}}
	cli := &fakePulseClient{streamFn: func(string) (clientspulse.Stream, error) { return str, nil }}

	var got PublishedEvent
	streams, err := NewStreams(Options{
		Client: cli,
		OnPublished: func(_ context.Context, ev PublishedEvent) error {
			got = ev
			return nil
		},
	})
	require.NoError(t, err)

	sink, err := streams.SessionSink("sess-1")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), stream.Thinking()))
	require.Equal(t, "42-0", got.EntryID)
	require.Equal(t, "events:sess-1", got.StreamID)
	require.Equal(t, stream.EventThinking, got.Event.Type)
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) {
		return "1-0", nil
	}}
	cli := &fakePulseClient{streamFn: func(string) (clientspulse.Stream, error) { return str, nil }}

	streams, err := NewStreams(Options{
		Client: cli,
		OnPublished: func(context.Context, PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)

	sink, err := streams.SessionSink("sess-1")
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.Response("ok"))
	require.EqualError(t, err, "after-publish")
}

func TestCustomStreamID(t *testing.T) {
	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) {
		return "1-0", nil
	}}
	cli := &fakePulseClient{streamFn: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "custom/sess-1", name)
		return str, nil
	}}

	streams, err := NewStreams(Options{
		Client:   cli,
		StreamID: func(sessionID string) string { return "custom/" + sessionID },
	})
	require.NoError(t, err)

	sink, err := streams.SessionSink("sess-1")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), stream.Response("ok")))
}

func TestSessionSinkRequiresSessionID(t *testing.T) {
	streams, err := NewStreams(Options{Client: &fakePulseClient{}})
	require.NoError(t, err)
	_, err = streams.SessionSink("")
	require.EqualError(t, err, "session id is required")
}

func TestStreamCreationError(t *testing.T) {
	cli := &fakePulseClient{streamFn: func(string) (clientspulse.Stream, error) {
		return nil, errors.New("boom")
	}}
	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)
	_, err = streams.SessionSink("sess-1")
	require.EqualError(t, err, "boom")
}

func TestAddError(t *testing.T) {
	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) {
		return "", errors.New("add-failed")
	}}
	cli := &fakePulseClient{streamFn: func(string) (clientspulse.Stream, error) { return str, nil }}
	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)

	sink, err := streams.SessionSink("sess-1")
	require.NoError(t, err)
	err = sink.Send(context.Background(), stream.Response("ok"))
	require.EqualError(t, err, "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakePulseClient{}
	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, streams.Close(context.Background()))
	require.True(t, cli.closed)
}
