package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/conversation"
	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/sandbox"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/statestore/inmem"
)

type release struct {
	session string
	sandbox string
}

type fakeSource struct {
	mu         sync.Mutex
	seq        int
	delay      time.Duration
	acquireErr error
	acquired   []string
	released   []release
	opts       map[string]AcquireOptions
}

func (f *fakeSource) Acquire(ctx context.Context, sessionID string, opts AcquireOptions) (*sandbox.Sandbox, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.seq++
	if f.opts == nil {
		f.opts = make(map[string]AcquireOptions)
	}
	f.acquired = append(f.acquired, sessionID)
	f.opts[sessionID] = opts
	return &sandbox.Sandbox{ID: fmt.Sprintf("sb-%d", f.seq), CreatedAt: time.Now()}, nil
}

func (f *fakeSource) Release(ctx context.Context, sessionID, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, release{session: sessionID, sandbox: sandboxID})
	return nil
}

func (f *fakeSource) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquired)
}

func (f *fakeSource) releasedSandboxes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.released))
	for i, r := range f.released {
		ids[i] = r.sandbox
	}
	return ids
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *inmem.Store, *fakeSource, conversation.Store) {
	t.Helper()
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	src := &fakeSource{}
	conv := conversation.New(kv)
	mgr := NewManager(kv, src, conv, append([]ManagerOption{WithContentionWait(50 * time.Millisecond)}, opts...)...)
	return mgr, kv, src, conv
}

func TestAcquireCreatesAndPersists(t *testing.T) {
	mgr, kv, src, conv := newTestManager(t)
	ctx := context.Background()

	// A transcript left over from a previous incarnation must be wiped.
	require.NoError(t, conv.Append(ctx, "s1", model.Message{Role: model.RoleUser, Content: "stale"}))

	before := time.Now().UnixMilli()
	b, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", b.SandboxID)
	assert.GreaterOrEqual(t, b.CreatedAt, before)
	assert.Equal(t, b.CreatedAt, b.LastActive)

	raw, err := kv.Get(ctx, "session:s1")
	require.NoError(t, err)
	var stored Binding
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, b, stored)

	ids, err := kv.ZRangeByScore(ctx, "session:index", 0, float64(b.LastActive))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	msgs, err := conv.All(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "stale history cleared on create")

	_, err = kv.Get(ctx, "session:lock:s1")
	assert.ErrorIs(t, err, statestore.ErrNotFound, "creation lock released")

	assert.Equal(t, 1, src.acquireCount())
}

func TestAcquireExistingBumpsActivity(t *testing.T) {
	mgr, kv, src, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	second, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.SandboxID, second.SandboxID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Greater(t, second.LastActive, first.LastActive)
	assert.Equal(t, 1, src.acquireCount(), "no second sandbox for a live session")

	// The index score follows lastActive.
	ids, err := kv.ZRangeByScore(ctx, "session:index", float64(second.LastActive), float64(second.LastActive))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestConcurrentAcquiresAreSingleFlight(t *testing.T) {
	mgr, _, src, _ := newTestManager(t, WithContentionWait(200*time.Millisecond))
	src.delay = 30 * time.Millisecond
	ctx := context.Background()

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		bindings []Binding
		errs     []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := mgr.Acquire(ctx, "shared", AcquireOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			bindings = append(bindings, b)
		}()
	}
	wg.Wait()

	require.Empty(t, errs, "losers adopt the winner's record within the wait")
	require.Len(t, bindings, n)
	for _, b := range bindings {
		assert.Equal(t, bindings[0].SandboxID, b.SandboxID)
	}
	assert.Equal(t, 1, src.acquireCount(), "exactly one sandbox created")
}

func TestConcurrentAcquiresDistinctSessions(t *testing.T) {
	mgr, _, src, _ := newTestManager(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mgr.Acquire(ctx, fmt.Sprintf("s%d", i), AcquireOptions{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, src.acquireCount())
}

func TestAcquireContentionTimesOut(t *testing.T) {
	mgr, kv, src, _ := newTestManager(t, WithContentionWait(30*time.Millisecond))
	ctx := context.Background()

	// A foreign holder owns the lock and never persists a record.
	ok, err := kv.SetNX(ctx, "session:lock:s1", "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.Contention, fault.KindOf(err))
	assert.True(t, fault.IsRetryable(err))
	assert.Equal(t, 0, src.acquireCount())
}

func TestAcquireAdoptsRecordPersistedDuringWait(t *testing.T) {
	mgr, kv, src, _ := newTestManager(t, WithContentionWait(80*time.Millisecond))
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "session:lock:s1", "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The foreign holder finishes mid-wait.
	winner := Binding{SandboxID: "sb-foreign", CreatedAt: time.Now().UnixMilli(), LastActive: time.Now().UnixMilli()}
	go func() {
		time.Sleep(20 * time.Millisecond)
		raw, _ := json.Marshal(winner)
		_ = kv.Set(ctx, "session:s1", string(raw), 0)
		_ = kv.ZAdd(ctx, "session:index", float64(winner.LastActive), "s1")
	}()

	b, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sb-foreign", b.SandboxID)
	assert.Equal(t, 0, src.acquireCount(), "adopted, not created")
}

type failingClearer struct {
	err error
}

func (f failingClearer) Clear(context.Context, string) error { return f.err }

func TestAcquireRollsBackWhenHistoryClearFails(t *testing.T) {
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	src := &fakeSource{}
	mgr := NewManager(kv, src, failingClearer{err: errors.New("store down")},
		WithContentionWait(20*time.Millisecond))
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.Error(t, err)

	assert.Equal(t, []string{"sb-1"}, src.releasedSandboxes(), "sandbox released on rollback")
	_, err = kv.Get(ctx, "session:s1")
	assert.ErrorIs(t, err, statestore.ErrNotFound, "record removed on rollback")
	n, err := kv.ZCard(ctx, "session:index")
	require.NoError(t, err)
	assert.Zero(t, n, "index entry removed on rollback")
}

type pipeFailStore struct {
	statestore.Store
	mu    sync.Mutex
	fails int
}

type failPipe struct{}

func (failPipe) Set(string, string, time.Duration) {}
func (failPipe) Del(...string)                     {}
func (failPipe) ZAdd(string, float64, string)      {}
func (failPipe) ZRem(string, ...string)            {}
func (failPipe) Exec(context.Context) error        { return errors.New("pipeline unavailable") }

func (s *pipeFailStore) Pipeline() statestore.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return failPipe{}
	}
	return s.Store.Pipeline()
}

func TestAcquireRollsBackWhenPersistFails(t *testing.T) {
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	flaky := &pipeFailStore{Store: kv, fails: 1}
	src := &fakeSource{}
	mgr := NewManager(flaky, src, conversation.New(kv), WithContentionWait(20*time.Millisecond))
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.Error(t, err)

	assert.Equal(t, []string{"sb-1"}, src.releasedSandboxes())
	_, err = kv.Get(ctx, "session:s1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestTerminateReleasesAndClears(t *testing.T) {
	mgr, kv, src, conv := newTestManager(t)
	ctx := context.Background()

	b, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.NoError(t, err)
	require.NoError(t, conv.Append(ctx, "s1", model.Message{Role: model.RoleUser, Content: "hello"}))

	require.NoError(t, mgr.Terminate(ctx, "s1"))

	assert.Equal(t, []string{b.SandboxID}, src.releasedSandboxes())
	_, err = kv.Get(ctx, "session:s1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	n, err := kv.ZCard(ctx, "session:index")
	require.NoError(t, err)
	assert.Zero(t, n)
	msgs, err := conv.All(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Idempotent.
	require.NoError(t, mgr.Terminate(ctx, "s1"))
	assert.Len(t, src.releasedSandboxes(), 1, "no double release")
}

func TestTerminateUnbound(t *testing.T) {
	mgr, _, src, _ := newTestManager(t)

	require.NoError(t, mgr.Terminate(context.Background(), "ghost"))
	assert.Zero(t, len(src.releasedSandboxes()))
}

func TestHeartbeatUnknownSession(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.Heartbeat(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestHeartbeatNeverMovesBackwards(t *testing.T) {
	mgr, kv, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.NoError(t, err)

	// A replica with a fast clock wrote a future lastActive.
	future := time.Now().Add(time.Hour).UnixMilli()
	raw, _ := json.Marshal(Binding{SandboxID: "sb-1", CreatedAt: 1, LastActive: future})
	require.NoError(t, kv.Set(ctx, "session:s1", string(raw), 0))

	b, err := mgr.Heartbeat(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, future, b.LastActive)
}

func TestAcquireEmptySessionID(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.Acquire(context.Background(), "", AcquireOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestGetDoesNotTouchActivity(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Acquire(ctx, "s1", AcquireOptions{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	got, err := mgr.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = mgr.Get(ctx, "ghost")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestSessionsListsBoundIDs(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := mgr.Acquire(ctx, id, AcquireOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, mgr.Terminate(ctx, "b"))

	ids, err := mgr.Sessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
}

func TestRuntimeSourceMergesDefaults(t *testing.T) {
	rt := &fakeRuntime{}
	src := NewRuntimeSource(rt, AcquireOptions{
		Image: "swb/session:1",
		Cmd:   []string{"sleep", "infinity"},
		Env:   map[string]string{"BASE": "1", "SHARED": "base"},
	}, sandbox.Caps{MemoryMiB: 256})
	ctx := context.Background()

	sb, err := src.Acquire(ctx, "s1", AcquireOptions{
		Image: "custom/image:2",
		Env:   map[string]string{"SHARED": "override", "EXTRA": "1"},
	})
	require.NoError(t, err)

	opts := rt.lastCreate()
	assert.Equal(t, "custom/image:2", opts.Image)
	assert.Equal(t, []string{"sleep", "infinity"}, opts.Cmd)
	assert.Equal(t, map[string]string{"BASE": "1", "SHARED": "override", "EXTRA": "1"}, opts.Env)
	assert.Equal(t, "swb-session-s1", opts.Name)
	assert.Equal(t, int64(256), opts.Caps.MemoryMiB)
	assert.Equal(t, sandbox.DefaultCPUs, opts.Caps.CPUs)

	require.NoError(t, src.Release(ctx, "s1", sb.ID))
	assert.Equal(t, []string{sb.ID}, rt.destroyedIDs())
}

type fakeRuntime struct {
	mu        sync.Mutex
	seq       int
	creates   []sandbox.CreateOptions
	destroyed []string
}

func (f *fakeRuntime) Create(_ context.Context, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.creates = append(f.creates, opts)
	return &sandbox.Sandbox{ID: fmt.Sprintf("box-%d", f.seq), Name: opts.Name, CreatedAt: time.Now()}, nil
}

func (f *fakeRuntime) Exec(context.Context, string, []string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}

func (f *fakeRuntime) Destroy(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, sandboxID)
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) lastCreate() sandbox.CreateOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[len(f.creates)-1]
}

func (f *fakeRuntime) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}
