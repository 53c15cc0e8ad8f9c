// Package inmem implements the statestore capability in process memory. It
// backs tests and single-node development runs where no Redis is available.
// Semantics mirror the Redis implementation: lazy TTL expiry, score-ordered
// sorted sets, FIFO lists with blocking pops, and at-most-once pub/sub
// fan-out to live subscribers.
package inmem

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/statestore"
)

type (
	// Store is an in-memory statestore.Store.
	Store struct {
		mu      sync.Mutex
		kv      map[string]entry
		zsets   map[string]map[string]float64
		lists   map[string][]string
		// deadlines carries lazy expiry for list and sorted-set keys; KV
		// entries embed their own.
		deadlines map[string]time.Time
		waiters   map[string][]chan string
		subs      map[string]map[*subscription]struct{}
		closed    bool
	}

	entry struct {
		value     string
		expiresAt time.Time
	}

	subscription struct {
		store   *Store
		channel string
		ch      chan string
		once    sync.Once
	}

	pipeline struct {
		store *Store
		ops   []func()
	}
)

var _ statestore.Store = (*Store)(nil)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		kv:        make(map[string]entry),
		zsets:     make(map[string]map[string]float64),
		lists:     make(map[string][]string),
		deadlines: make(map[string]time.Time),
		waiters:   make(map[string][]chan string),
		subs:      make(map[string]map[*subscription]struct{}),
	}
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// purgeLocked drops an expired list or sorted set before access.
func (s *Store) purgeLocked(key string) {
	if dl, ok := s.deadlines[key]; ok && time.Now().After(dl) {
		delete(s.deadlines, key)
		delete(s.lists, key)
		delete(s.zsets, key)
	}
}

// getLocked returns the live value at key, pruning it when expired.
func (s *Store) getLocked(key string) (string, bool) {
	e, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if e.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return e.value, true
}

// Get returns the value at key or statestore.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", statestore.ErrClosed
	}
	val, ok := s.getLocked(key)
	if !ok {
		return "", statestore.ErrNotFound
	}
	return val, nil
}

// Set writes value at key with an optional expiry.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	s.setLocked(key, value, ttl)
	return nil
}

func (s *Store) setLocked(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.kv[key] = e
}

// SetNX writes value only when key is absent and reports whether it wrote.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, statestore.ErrClosed
	}
	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

// Del removes keys across the KV, sorted-set, and list namespaces.
func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	s.delLocked(keys...)
	return nil
}

func (s *Store) delLocked(keys ...string) {
	for _, key := range keys {
		delete(s.kv, key)
		delete(s.zsets, key)
		delete(s.lists, key)
		delete(s.deadlines, key)
	}
}

// Expire sets the expiry of an existing key in any namespace.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	if e, ok := s.kv[key]; ok && !e.expired(time.Now()) {
		e.expiresAt = time.Now().Add(ttl)
		s.kv[key] = e
	}
	s.purgeLocked(key)
	if _, ok := s.lists[key]; ok {
		s.deadlines[key] = time.Now().Add(ttl)
	} else if _, ok := s.zsets[key]; ok {
		s.deadlines[key] = time.Now().Add(ttl)
	}
	return nil
}

// ZAdd adds or updates member with score.
func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	s.purgeLocked(key)
	s.zaddLocked(key, score, member)
	return nil
}

func (s *Store) zaddLocked(key string, score float64, member string) {
	zs, ok := s.zsets[key]
	if !ok {
		zs = make(map[string]float64)
		s.zsets[key] = zs
	}
	zs[member] = score
}

// ZRem removes members.
func (s *Store) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	s.purgeLocked(key)
	s.zremLocked(key, members...)
	return nil
}

func (s *Store) zremLocked(key string, members ...string) {
	zs, ok := s.zsets[key]
	if !ok {
		return
	}
	for _, m := range members {
		delete(zs, m)
	}
	if len(zs) == 0 {
		delete(s.zsets, key)
	}
}

// ZRangeByScore returns members with min <= score <= max ordered by score
// then member.
func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, statestore.ErrClosed
	}
	s.purgeLocked(key)
	zs := s.zsets[key]
	type scored struct {
		member string
		score  float64
	}
	matches := make([]scored, 0, len(zs))
	for m, sc := range zs {
		if sc >= min && sc <= max {
			matches = append(matches, scored{m, sc})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score < matches[j].score
		}
		return matches[i].member < matches[j].member
	})
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.member
	}
	return out, nil
}

// ZCard returns the sorted-set cardinality.
func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, statestore.ErrClosed
	}
	s.purgeLocked(key)
	return int64(len(s.zsets[key])), nil
}

// Scan returns keys matching the glob pattern across all namespaces.
func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, statestore.ErrClosed
	}
	now := time.Now()
	var keys []string
	for k, e := range s.kv {
		if e.expired(now) {
			delete(s.kv, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range s.zsets {
		s.purgeLocked(k)
		if _, live := s.zsets[k]; !live {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range s.lists {
		s.purgeLocked(k)
		if _, live := s.lists[k]; !live {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// RPush appends values, handing them to blocked poppers first.
func (s *Store) RPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, statestore.ErrClosed
	}
	s.purgeLocked(key)
	for _, v := range values {
		if ws := s.waiters[key]; len(ws) > 0 {
			w := ws[0]
			s.waiters[key] = ws[1:]
			w <- v
			continue
		}
		s.lists[key] = append(s.lists[key], v)
	}
	return int64(len(s.lists[key])), nil
}

// LRange returns elements between start and stop inclusive, with negative
// indices counted from the tail.
func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, statestore.ErrClosed
	}
	s.purgeLocked(key)
	list := s.lists[key]
	n := int64(len(list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// LTrim trims the list to [start, stop].
func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	s.purgeLocked(key)
	list := s.lists[key]
	n := int64(len(list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		delete(s.lists, key)
		return nil
	}
	trimmed := make([]string, stop-start+1)
	copy(trimmed, list[start:stop+1])
	s.lists[key] = trimmed
	return nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

// LLen returns the list length.
func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, statestore.ErrClosed
	}
	s.purgeLocked(key)
	return int64(len(s.lists[key])), nil
}

// BLPop pops the head of the list, blocking until an element arrives, the
// timeout elapses, or ctx is cancelled.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", statestore.ErrClosed
	}
	s.purgeLocked(key)
	if list := s.lists[key]; len(list) > 0 {
		head := list[0]
		if len(list) == 1 {
			delete(s.lists, key)
		} else {
			s.lists[key] = list[1:]
		}
		s.mu.Unlock()
		return head, nil
	}
	w := make(chan string, 1)
	s.waiters[key] = append(s.waiters[key], w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-w:
		if !ok {
			return "", statestore.ErrClosed
		}
		return v, nil
	case <-timer.C:
		return s.abandonWaiter(key, w)
	case <-ctx.Done():
		if v, err := s.abandonWaiter(key, w); err == nil || err == statestore.ErrClosed {
			// A push (or close) raced the cancellation; honor what the
			// queue already decided rather than dropping a handed value.
			return v, err
		}
		return "", ctx.Err()
	}
}

// abandonWaiter removes w from the waiter queue. When a concurrent push
// already handed w a value, the value is returned instead of ErrNotFound.
func (s *Store) abandonWaiter(key string, w chan string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[key]
	for i, c := range ws {
		if c == w {
			s.waiters[key] = append(ws[:i:i], ws[i+1:]...)
			return "", statestore.ErrNotFound
		}
	}
	// Not in the queue anymore: a push delivered into w, or Close closed it.
	v, ok := <-w
	if !ok {
		return "", statestore.ErrClosed
	}
	return v, nil
}

// Publish fans payload out to every live subscriber of channel. Slow
// subscribers are skipped (at-most-once delivery).
func (s *Store) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	for sub := range s.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe opens a subscription on channel.
func (s *Store) Subscribe(_ context.Context, channel string) (statestore.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, statestore.ErrClosed
	}
	sub := &subscription{store: s, channel: channel, ch: make(chan string, 64)}
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (sub *subscription) C() <-chan string { return sub.ch }

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		if set, ok := sub.store.subs[sub.channel]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(sub.store.subs, sub.channel)
			}
		}
		close(sub.ch)
		sub.store.mu.Unlock()
	})
	return nil
}

// Pipeline stages writes applied atomically under the store lock.
func (s *Store) Pipeline() statestore.Pipeline {
	return &pipeline{store: s}
}

func (p *pipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func() { p.store.setLocked(key, value, ttl) })
}

func (p *pipeline) Del(keys ...string) {
	p.ops = append(p.ops, func() { p.store.delLocked(keys...) })
}

func (p *pipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func() { p.store.zaddLocked(key, score, member) })
}

func (p *pipeline) ZRem(key string, members ...string) {
	p.ops = append(p.ops, func() { p.store.zremLocked(key, members...) })
}

func (p *pipeline) Exec(_ context.Context) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.closed {
		return statestore.ErrClosed
	}
	for _, op := range p.ops {
		op()
	}
	p.ops = nil
	return nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return statestore.ErrClosed
	}
	return nil
}

// Close shuts the store down, waking blocked poppers and closing
// subscription channels.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, ws := range s.waiters {
		for _, w := range ws {
			close(w)
		}
	}
	s.waiters = make(map[string][]chan string)
	for _, set := range s.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	s.subs = make(map[string]map[*subscription]struct{})
	return nil
}
