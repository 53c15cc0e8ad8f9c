package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/statestore/inmem"
)

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Millisecond))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	ok, err := s.SetNX(ctx, "lock", "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestSetNXAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	ok, err := s.SetNX(ctx, "lock", "a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err = s.SetNX(ctx, "lock", "b", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDel(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "m"))
	require.NoError(t, s.Del(ctx, "k", "z"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	card, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Zero(t, card)
}

func TestZRangeByScoreOrdering(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	require.NoError(t, s.ZAdd(ctx, "idx", 30, "c"))
	require.NoError(t, s.ZAdd(ctx, "idx", 10, "a"))
	require.NoError(t, s.ZAdd(ctx, "idx", 20, "b"))

	members, err := s.ZRangeByScore(ctx, "idx", 0, 25)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	// Updating a member's score moves it, never duplicates it.
	require.NoError(t, s.ZAdd(ctx, "idx", 5, "c"))
	members, err = s.ZRangeByScore(ctx, "idx", 0, 25)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, members)

	require.NoError(t, s.ZRem(ctx, "idx", "a", "b"))
	card, err := s.ZCard(ctx, "idx")
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)
}

func TestScanPattern(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "session:one", "1", 0))
	require.NoError(t, s.Set(ctx, "session:two", "2", 0))
	require.NoError(t, s.Set(ctx, "conv:one", "3", 0))

	keys, err := s.Scan(ctx, "session:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:one", "session:two"}, keys)
}

func TestListOps(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	n, err := s.RPush(ctx, "q", "a", "b", "c")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	items, err := s.LRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	require.NoError(t, s.LTrim(ctx, "q", 1, -1))
	items, err = s.LRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, items)

	llen, err := s.LLen(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 2, llen)
}

func TestBLPopImmediate(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	_, err := s.RPush(ctx, "q", "job1")
	require.NoError(t, err)

	v, err := s.BLPop(ctx, 50*time.Millisecond, "q")
	require.NoError(t, err)
	assert.Equal(t, "job1", v)
}

func TestBLPopBlocksUntilPush(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	done := make(chan string, 1)
	go func() {
		v, err := s.BLPop(ctx, 2*time.Second, "q")
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := s.RPush(ctx, "q", "job1")
	require.NoError(t, err)

	select {
	case v := <-done:
		assert.Equal(t, "job1", v)
	case <-time.After(time.Second):
		t.Fatal("BLPop did not wake on push")
	}

	// The handed-off element never lands in the stored list.
	llen, err := s.LLen(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, llen)
}

func TestBLPopTimeout(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	start := time.Now()
	_, err := s.BLPop(ctx, 30*time.Millisecond, "q")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBLPopContextCancel(t *testing.T) {
	s := inmem.New()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.BLPop(ctx, time.Minute, "q")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("BLPop did not observe cancellation")
	}
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	sub, err := s.Subscribe(ctx, "results:abc")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "results:abc", "hello"))
	require.NoError(t, s.Publish(ctx, "results:other", "ignored"))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	sub, err := s.Subscribe(ctx, "ch")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// No panic, no delivery.
	require.NoError(t, s.Publish(ctx, "ch", "late"))
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestPipelineAtomic(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	p := s.Pipeline()
	p.Set("session:1", "rec", 0)
	p.ZAdd("session:index", 42, "1")
	p.Del("stale")
	require.NoError(t, p.Exec(ctx))

	got, err := s.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, "rec", got)

	members, err := s.ZRangeByScore(ctx, "session:index", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, members)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Ping(ctx)
	assert.ErrorIs(t, err, statestore.ErrClosed)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, statestore.ErrClosed)
}

func TestCloseWakesBLPop(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	done := make(chan error, 1)
	go func() {
		_, err := s.BLPop(ctx, time.Minute, "q")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, statestore.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("BLPop did not wake on close")
	}
}

func TestListAndZSetExpiry(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	defer s.Close()

	_, err := s.RPush(ctx, "log", "a", "b")
	require.NoError(t, err)
	require.NoError(t, s.ZAdd(ctx, "idx", 1, "m"))
	require.NoError(t, s.Expire(ctx, "log", 30*time.Millisecond))
	require.NoError(t, s.Expire(ctx, "idx", 30*time.Millisecond))

	vals, err := s.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	assert.Len(t, vals, 2)

	time.Sleep(50 * time.Millisecond)

	vals, err = s.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, vals)
	n, err := s.ZCard(ctx, "idx")
	require.NoError(t, err)
	assert.Zero(t, n)

	// A fresh push after expiry starts an unexpired list.
	_, err = s.RPush(ctx, "log", "c")
	require.NoError(t, err)
	keys, err := s.Scan(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, keys)
}
