package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/fault"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/statestore/inmem"
)

// fakeTerm mimics the manager: a successful termination removes the session
// from the index so the next sweep does not see it again.
type fakeTerm struct {
	kv     statestore.Store
	mu     sync.Mutex
	calls  []string
	errFor map[string]error
}

func (f *fakeTerm) Terminate(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID)
	err := f.errFor[sessionID]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.kv.ZRem(ctx, "session:index", sessionID)
}

func (f *fakeTerm) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func seedIndex(t *testing.T, kv statestore.Store, id string, age time.Duration) {
	t.Helper()
	score := float64(time.Now().Add(-age).UnixMilli())
	require.NoError(t, kv.ZAdd(context.Background(), "session:index", score, id))
}

func TestSweepReapsExactlyExpired(t *testing.T) {
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	term := &fakeTerm{kv: kv}
	j := NewJanitor(kv, term, WithIdleTTL(time.Minute))
	ctx := context.Background()

	seedIndex(t, kv, "old-a", 2*time.Minute)
	seedIndex(t, kv, "old-b", 90*time.Second)
	seedIndex(t, kv, "fresh", 0)

	reaped, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)
	assert.ElementsMatch(t, []string{"old-a", "old-b"}, term.callList())

	// The live session is untouched and a second sweep finds nothing.
	reaped, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.Len(t, term.callList(), 2)
}

func TestSweepContinuesPastFailedTermination(t *testing.T) {
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	term := &fakeTerm{kv: kv, errFor: map[string]error{"bad": errors.New("runtime down")}}
	j := NewJanitor(kv, term, WithIdleTTL(time.Minute))
	ctx := context.Background()

	seedIndex(t, kv, "bad", 2*time.Minute)
	seedIndex(t, kv, "good", 2*time.Minute)

	reaped, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.ElementsMatch(t, []string{"bad", "good"}, term.callList())

	// The failed session stays indexed and the next sweep retries it.
	term.mu.Lock()
	delete(term.errFor, "bad")
	term.mu.Unlock()

	reaped, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	n, err := kv.ZCard(ctx, "session:index")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepThroughManagerTerminatesIdleSessions(t *testing.T) {
	mgr, kv, src, _ := newTestManager(t)
	j := NewJanitor(kv, mgr, WithIdleTTL(time.Minute))
	ctx := context.Background()

	var victims []Binding
	for _, id := range []string{"idle-1", "idle-2", "live"} {
		b, err := mgr.Acquire(ctx, id, AcquireOptions{})
		require.NoError(t, err)
		if id != "live" {
			victims = append(victims, b)
		}
	}

	// Rewind the two idle sessions past the TTL, record and index both.
	for i, id := range []string{"idle-1", "idle-2"} {
		past := time.Now().Add(-2 * time.Minute).UnixMilli()
		victims[i].LastActive = past
		raw, _ := json.Marshal(victims[i])
		require.NoError(t, kv.Set(ctx, "session:"+id, string(raw), 0))
		require.NoError(t, kv.ZAdd(ctx, "session:index", float64(past), id))
	}

	reaped, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)
	assert.ElementsMatch(t, []string{victims[0].SandboxID, victims[1].SandboxID}, src.releasedSandboxes())

	ids, err := mgr.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, ids)
}

func TestJanitorLoopReaps(t *testing.T) {
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	term := &fakeTerm{kv: kv}
	j := NewJanitor(kv, term, WithIdleTTL(30*time.Millisecond), WithSweepInterval(20*time.Millisecond))
	ctx := context.Background()

	seedIndex(t, kv, "s1", 0)

	require.NoError(t, j.Start(ctx))
	t.Cleanup(j.Stop)

	err := j.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))

	assert.Eventually(t, func() bool {
		return len(term.callList()) == 1
	}, 2*time.Second, 10*time.Millisecond, "entry ages past the TTL and gets reaped")

	j.Stop()
	j.Stop() // idempotent
}

func TestJanitorCustomTickerDrivesSweeps(t *testing.T) {
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	term := &fakeTerm{kv: kv}

	tick := make(chan time.Time)
	stopped := make(chan struct{})
	j := NewJanitor(kv, term,
		WithIdleTTL(time.Minute),
		WithTicker(func(context.Context, time.Duration) (<-chan time.Time, func(), error) {
			return tick, func() { close(stopped) }, nil
		}),
	)
	ctx := context.Background()

	seedIndex(t, kv, "stale", 2*time.Minute)

	require.NoError(t, j.Start(ctx))
	tick <- time.Now()

	assert.Eventually(t, func() bool {
		return len(term.callList()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	j.Stop()
	select {
	case <-stopped:
	default:
		t.Fatal("stop function not invoked")
	}
}

func TestJanitorTickerSetupFailureStopsLoop(t *testing.T) {
	kv := inmem.New()
	t.Cleanup(func() { _ = kv.Close() })
	term := &fakeTerm{kv: kv}

	j := NewJanitor(kv, term, WithTicker(func(context.Context, time.Duration) (<-chan time.Time, func(), error) {
		return nil, nil, errors.New("pool gone")
	}))

	require.NoError(t, j.Start(context.Background()))
	// The loop exits on its own and Stop does not hang.
	j.Stop()
}
