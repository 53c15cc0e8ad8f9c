package stream

import (
	"context"
	"sync"
)

// Broadcaster is a concurrency-safe publish/subscribe fan-out used for
// client event delivery and for registry change notifications. The payload
// type is untyped so packages can publish their own event types without
// cyclic dependencies.
//
// Close terminates the broadcaster and all active subscriptions. After
// Close, Subscribe returns a closed Subscription and Publish is a no-op.
type Broadcaster interface {
	// Subscribe registers a subscriber. The subscription is closed when the
	// caller closes it, the context is cancelled, or the broadcaster closes.
	Subscribe(ctx context.Context) (Subscription, error)
	// Publish delivers an event to all current subscribers.
	Publish(ev any)
	// Close closes the broadcaster and all current subscriptions.
	Close() error
}

// Subscription is a live registration with a Broadcaster. The channel
// returned by C delivers events in publish order and is closed when the
// subscription or the broadcaster closes. Close is idempotent.
type Subscription interface {
	C() <-chan any
	Close() error
}

type channelBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan any]struct{}
	buf    int
	drop   bool
	closed bool
}

// NewBroadcaster constructs an in-memory Broadcaster backed by buffered
// channels. buf sizes each subscriber buffer. When drop is true Publish
// never blocks and full subscribers miss the event; when false Publish
// blocks until every subscriber has space.
func NewBroadcaster(buf int, drop bool) Broadcaster {
	return &channelBroadcaster{
		subs: make(map[chan any]struct{}),
		buf:  buf,
		drop: drop,
	}
}

func (b *channelBroadcaster) Subscribe(ctx context.Context) (Subscription, error) {
	ch := make(chan any, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return &channelSub{ch: ch, parent: b}, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	// Auto-unsubscribe on context cancellation.
	go func() {
		<-ctx.Done()
		_ = (&channelSub{ch: ch, parent: b}).Close()
	}()
	return &channelSub{ch: ch, parent: b}, nil
}

func (b *channelBroadcaster) Publish(ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if !b.drop {
				ch <- ev
			}
		}
	}
}

func (b *channelBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	return nil
}

type channelSub struct {
	ch     chan any
	parent *channelBroadcaster
}

func (s *channelSub) C() <-chan any { return s.ch }

func (s *channelSub) Close() error {
	if s == nil || s.parent == nil || s.ch == nil {
		return nil
	}
	s.parent.mu.Lock()
	if _, ok := s.parent.subs[s.ch]; ok {
		close(s.ch)
		delete(s.parent.subs, s.ch)
	}
	s.parent.mu.Unlock()
	return nil
}
