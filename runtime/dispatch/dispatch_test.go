package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/conversation"
	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/statestore/inmem"
	"github.com/switchboard-ai/switchboard/runtime/stream"
	"github.com/switchboard-ai/switchboard/runtime/transport"
	"github.com/switchboard-ai/switchboard/runtime/turn"
)

type fakeCaller struct {
	mu      sync.Mutex
	delay   time.Duration
	block   chan struct{}
	entered chan struct{}
	errFor  map[string]error
	isErr   map[string]bool
	calls   []string
}

func (f *fakeCaller) CallServerTool(_ context.Context, server, tool string, _ map[string]any) (transport.CallResult, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	key := server + "/" + tool
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err := f.errFor[key]; err != nil {
		return transport.CallResult{}, err
	}
	return transport.CallResult{Content: "ok:" + key, IsError: f.isErr[key]}, nil
}

func (f *fakeCaller) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func enqueueJob(t *testing.T, kv *inmem.Store, job ToolJob) {
	t.Helper()
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	_, err = kv.RPush(context.Background(), QueueKey, string(raw))
	require.NoError(t, err)
}

func awaitResult(t *testing.T, ch <-chan string) ToolJobResult {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		var res ToolJobResult
		require.NoError(t, json.Unmarshal([]byte(msg), &res))
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no job result published")
		return ToolJobResult{}
	}
}

func TestExecutorAndWorkerRoundTrip(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	caller := &fakeCaller{
		delay:  10 * time.Millisecond,
		errFor: map[string]error{"net/execute_command": errors.New("exec refused")},
		isErr:  map[string]bool{"files/list_files": true},
	}
	w := NewWorker(kv, caller, WithConcurrency(3), WithPopTimeout(20*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	x := NewExecutor(kv)
	calls := []turn.ResolvedCall{
		{CallID: "c1", ServerName: "files", OriginalName: "read_file"},
		{CallID: "c2", ServerName: "files", OriginalName: "list_files"},
		{CallID: "c3", ServerName: "net", OriginalName: "execute_command"},
	}
	outcomes, err := x.ExecuteBatch(context.Background(), "s1", calls)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, "c1", outcomes[0].CallID)
	assert.Equal(t, "ok:files/read_file", outcomes[0].Output)
	assert.False(t, outcomes[0].IsError)
	require.NoError(t, outcomes[0].Err)

	assert.Equal(t, "ok:files/list_files", outcomes[1].Output)
	assert.True(t, outcomes[1].IsError, "tool-side error flag survives the queue")

	require.Error(t, outcomes[2].Err)
	assert.Contains(t, outcomes[2].Err.Error(), "exec refused")
	assert.Equal(t, "job_failed", fault.CodeOf(outcomes[2].Err, ""))

	left, err := kv.LLen(context.Background(), QueueKey)
	require.NoError(t, err)
	assert.Zero(t, left, "queue drained")
}

func TestExecuteBatchTimesOutWithoutWorkers(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	x := NewExecutor(kv, WithJobTTL(60*time.Millisecond))

	outcomes, err := x.ExecuteBatch(context.Background(), "s1", []turn.ResolvedCall{
		{CallID: "c1", ServerName: "files", OriginalName: "read_file"},
	})
	require.NoError(t, err, "timeouts degrade to per-call failures")
	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
	assert.Equal(t, "job_timeout", fault.CodeOf(outcomes[0].Err, ""))
	assert.True(t, fault.IsRetryable(outcomes[0].Err))
}

func TestExecuteBatchCancelled(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	x := NewExecutor(kv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := x.ExecuteBatch(ctx, "s1", []turn.ResolvedCall{
		{CallID: "c1", ServerName: "files", OriginalName: "read_file"},
	})
	require.Error(t, err)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err))
}

func TestExecuteBatchDiscardsStrayResults(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	ctx := context.Background()

	// Stand in for a worker: pop the job, answer with a stray result first.
	go func() {
		payload, err := kv.BLPop(ctx, time.Second, QueueKey)
		if err != nil {
			return
		}
		var job ToolJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return
		}
		stray, _ := json.Marshal(ToolJobResult{JobID: "someone-elses-job", Success: true, Output: "stray"})
		_ = kv.Publish(ctx, ResultsChannel(job.SessionID), string(stray))
		real, _ := json.Marshal(ToolJobResult{JobID: job.JobID, Success: true, Output: "real"})
		_ = kv.Publish(ctx, ResultsChannel(job.SessionID), string(real))
	}()

	x := NewExecutor(kv)
	outcomes, err := x.ExecuteBatch(ctx, "s1", []turn.ResolvedCall{
		{CallID: "c1", ServerName: "files", OriginalName: "read_file"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "real", outcomes[0].Output)
}

func TestExecuteBatchEmpty(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	x := NewExecutor(kv)
	outcomes, err := x.ExecuteBatch(context.Background(), "s1", nil)
	require.NoError(t, err)
	assert.Nil(t, outcomes)
}

func TestWorkerExecutesAndPublishes(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	ctx := context.Background()

	sub, err := kv.Subscribe(ctx, ResultsChannel("s1"))
	require.NoError(t, err)
	defer sub.Close()

	caller := &fakeCaller{}
	w := NewWorker(kv, caller, WithConcurrency(2), WithPopTimeout(20*time.Millisecond))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	enqueueJob(t, kv, ToolJob{
		JobID:        "j1",
		SessionID:    "s1",
		CallID:       "c1",
		ServerName:   "files",
		OriginalName: "read_file",
		Args:         map[string]any{"path": "/etc/hosts"},
		EnqueuedAt:   time.Now().UnixMilli(),
	})

	res := awaitResult(t, sub.C())
	assert.Equal(t, "j1", res.JobID)
	assert.True(t, res.Success)
	assert.Equal(t, "ok:files/read_file", res.Output)
	assert.Equal(t, []string{"files/read_file"}, caller.callList())
}

func TestWorkerDiscardsExpiredJob(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	ctx := context.Background()

	sub, err := kv.Subscribe(ctx, ResultsChannel("s1"))
	require.NoError(t, err)
	defer sub.Close()

	caller := &fakeCaller{}
	w := NewWorker(kv, caller, WithConcurrency(1), WithPopTimeout(20*time.Millisecond))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	enqueueJob(t, kv, ToolJob{
		JobID:        "j-old",
		SessionID:    "s1",
		CallID:       "c1",
		ServerName:   "files",
		OriginalName: "read_file",
		EnqueuedAt:   time.Now().Add(-10 * time.Minute).UnixMilli(),
	})

	res := awaitResult(t, sub.C())
	assert.Equal(t, "j-old", res.JobID)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "expired")
	assert.Empty(t, caller.callList(), "expired job never executes")
}

func TestWorkerSkipsCorruptJobs(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	ctx := context.Background()

	sub, err := kv.Subscribe(ctx, ResultsChannel("s1"))
	require.NoError(t, err)
	defer sub.Close()

	caller := &fakeCaller{}
	w := NewWorker(kv, caller, WithConcurrency(1), WithPopTimeout(20*time.Millisecond))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	_, err = kv.RPush(ctx, QueueKey, "{not json")
	require.NoError(t, err)
	enqueueJob(t, kv, ToolJob{
		JobID:        "j2",
		SessionID:    "s1",
		CallID:       "c1",
		ServerName:   "files",
		OriginalName: "read_file",
		EnqueuedAt:   time.Now().UnixMilli(),
	})

	res := awaitResult(t, sub.C())
	assert.Equal(t, "j2", res.JobID, "corrupt entry is dropped, queue keeps moving")
}

func TestWorkerStopDrainsInFlight(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	ctx := context.Background()

	sub, err := kv.Subscribe(ctx, ResultsChannel("s1"))
	require.NoError(t, err)
	defer sub.Close()

	caller := &fakeCaller{entered: make(chan struct{}, 1), block: make(chan struct{})}
	w := NewWorker(kv, caller, WithConcurrency(1), WithPopTimeout(20*time.Millisecond))
	require.NoError(t, w.Start(ctx))

	enqueueJob(t, kv, ToolJob{
		JobID:        "j1",
		SessionID:    "s1",
		CallID:       "c1",
		ServerName:   "files",
		OriginalName: "read_file",
		EnqueuedAt:   time.Now().UnixMilli(),
	})

	select {
	case <-caller.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the job")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(caller.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	res := awaitResult(t, sub.C())
	assert.True(t, res.Success, "drained job still publishes its result")
}

func TestWorkerDoubleStart(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	w := NewWorker(kv, &fakeCaller{}, WithConcurrency(1), WithPopTimeout(10*time.Millisecond))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))

	w.Stop()
	w.Stop()
	require.NoError(t, w.Start(context.Background()))
}

// queueModel asks for one tool call, then closes the turn with text.
type queueModel struct {
	mu    sync.Mutex
	hops  int
	calls []model.ToolCall
}

func (m *queueModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hops++
	if m.hops == 1 {
		return model.Response{ToolCalls: m.calls, StopReason: model.StopToolUse}, nil
	}
	return model.Response{Text: "finished"}, nil
}

func (m *queueModel) Provider() string { return "fake" }
func (m *queueModel) Model() string    { return "fake-1" }

// queueBroker routes "<server>_<tool>" names. Direct execution must never
// happen in worker mode, so CallTool always fails.
type queueBroker struct{}

func (queueBroker) ToolDefinitions() []model.ToolDefinition { return nil }

func (queueBroker) ResolveTool(exposed string) (string, string, error) {
	server, rest, ok := strings.Cut(exposed, "_")
	if !ok {
		return "", "", fault.Errorf(fault.NotFound, "tool_not_found", "no server owns tool %s", exposed)
	}
	return server, rest, nil
}

func (queueBroker) CallTool(context.Context, string, map[string]any) (transport.CallResult, error) {
	return transport.CallResult{}, errors.New("direct execution disabled in worker mode")
}

func TestEngineThroughQueuedExecutor(t *testing.T) {
	kv := inmem.New()
	defer kv.Close()
	ctx := context.Background()

	caller := &fakeCaller{}
	w := NewWorker(kv, caller, WithConcurrency(2), WithPopTimeout(20*time.Millisecond))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	llm := &queueModel{calls: []model.ToolCall{{ID: "c1", Name: "files_read_file", Args: map[string]any{"p": "/a"}}}}
	conv := conversation.New(kv)

	var (
		mu     sync.Mutex
		events []stream.Event
	)
	var eng *turn.Engine
	sink := stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Type == stream.EventApprovalRequired {
			p := ev.Payload.(stream.ApprovalRequiredPayload)
			go eng.ResolveApproval(p.CallID, true)
		}
		return nil
	})
	eng = turn.NewEngine(
		turn.Config{SessionID: "sess-q"},
		llm, queueBroker{}, conv, sink,
		turn.WithExecutor(NewExecutor(kv)),
	)

	require.NoError(t, eng.GenerateTurn(ctx, "read the file"))

	assert.Equal(t, []string{"files/read_file"}, caller.callList(), "call reached the worker pool")
	mu.Lock()
	defer mu.Unlock()
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		stream.EventThinking,
		stream.EventApprovalRequired,
		stream.EventToolOutput,
		stream.EventThinking,
		stream.EventResponse,
	}, types)
}
