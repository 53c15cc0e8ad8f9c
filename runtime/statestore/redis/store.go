// Package redis implements the statestore capability on Redis using
// github.com/redis/go-redis/v9. Key usage maps directly onto Redis
// primitives: SET PX / SET NX PX, sorted sets for the session index,
// MULTI/EXEC transaction pipelines for atomic record+index writes, SCAN for
// pattern enumeration, RPUSH/LRANGE/LTRIM/BLPOP lists for conversation logs
// and the job queue, and native pub/sub for result channels.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/switchboard-ai/switchboard/runtime/statestore"
)

// Store is a Redis-backed statestore.Store.
type Store struct {
	rdb *goredis.Client
}

var _ statestore.Store = (*Store)(nil)

// New connects to the Redis instance at url. Both redis:// URLs and bare
// host:port addresses are accepted.
func New(url string) (*Store, error) {
	opts, err := parseURL(url)
	if err != nil {
		return nil, fmt.Errorf("statestore: parse redis url: %w", err)
	}
	return &Store{rdb: goredis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing go-redis client. The caller retains
// ownership of the client lifecycle when using this constructor directly in
// tests; Close still closes it.
func NewFromClient(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func parseURL(url string) (*goredis.Options, error) {
	if strings.Contains(url, "://") {
		return goredis.ParseURL(url)
	}
	return &goredis.Options{Addr: url}, nil
}

// Get returns the value at key or statestore.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", statestore.ErrNotFound
		}
		return "", fmt.Errorf("statestore: get %s: %w", key, err)
	}
	return val, nil
}

// Set writes value at key with an optional expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("statestore: set %s: %w", key, err)
	}
	return nil
}

// SetNX writes value at key only when absent (SET NX PX) and reports whether
// the write happened.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("statestore: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("statestore: del: %w", err)
	}
	return nil
}

// Expire refreshes the expiry of key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("statestore: expire %s: %w", key, err)
	}
	return nil
}

// ZAdd adds or updates member with score in the sorted set at key.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("statestore: zadd %s: %w", key, err)
	}
	return nil
}

// ZRem removes members from the sorted set at key.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("statestore: zrem %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max in score order.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("statestore: zcard %s: %w", key, err)
	}
	return n, nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Scan returns all keys matching pattern, iterating the cursor internally.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("statestore: scan %s: %w", pattern, err)
	}
	return keys, nil
}

// RPush appends values to the list at key.
func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.rdb.RPush(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("statestore: rpush %s: %w", key, err)
	}
	return n, nil
}

// LRange returns list elements between start and stop inclusive.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: lrange %s: %w", key, err)
	}
	return vals, nil
}

// LTrim trims the list at key to [start, stop].
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("statestore: ltrim %s: %w", key, err)
	}
	return nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("statestore: llen %s: %w", key, err)
	}
	return n, nil
}

// BLPop pops the head of the list at key, blocking up to timeout.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	vals, err := s.rdb.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", statestore.ErrNotFound
		}
		return "", fmt.Errorf("statestore: blpop %s: %w", key, err)
	}
	// BLPOP returns [key, value].
	if len(vals) != 2 {
		return "", statestore.ErrNotFound
	}
	return vals[1], nil
}

// Publish sends payload on channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("statestore: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a native Redis subscription on channel.
func (s *Store) Subscribe(ctx context.Context, channel string) (statestore.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established so publishes after this call
	// are guaranteed to be delivered.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("statestore: subscribe %s: %w", channel, err)
	}
	sub := &subscription{ps: ps, ch: make(chan string, 64)}
	go sub.forward()
	return sub, nil
}

type subscription struct {
	ps   *goredis.PubSub
	ch   chan string
	once sync.Once
}

func (s *subscription) forward() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- msg.Payload
	}
}

func (s *subscription) C() <-chan string { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

// Pipeline stages writes on a MULTI/EXEC transaction pipeline.
func (s *Store) Pipeline() statestore.Pipeline {
	return &pipeline{pipe: s.rdb.TxPipeline()}
}

type pipeline struct {
	pipe goredis.Pipeliner
}

func (p *pipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *pipeline) Del(keys ...string) {
	if len(keys) > 0 {
		p.pipe.Del(context.Background(), keys...)
	}
}

func (p *pipeline) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(context.Background(), key, goredis.Z{Score: score, Member: member})
}

func (p *pipeline) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.ZRem(context.Background(), key, args...)
}

func (p *pipeline) Exec(ctx context.Context) error {
	if _, err := p.pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("statestore: pipeline exec: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("statestore: ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
