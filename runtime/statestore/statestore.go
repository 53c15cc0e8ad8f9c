// Package statestore defines the persistent state capability the
// orchestrator is built on: a key-value store with a sorted-set index,
// atomic write pipelines, pattern scans, set-if-absent locks, FIFO list
// queues, and pub/sub channels. The Redis implementation backs production
// deployments; the in-memory implementation backs tests and single-node
// development.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing key, an empty blocking pop, or a vanished
// subscription target.
var ErrNotFound = errors.New("statestore: not found")

// ErrClosed reports an operation against a closed store or subscription.
var ErrClosed = errors.New("statestore: closed")

type (
	// Store is the full state capability. Implementations must be safe for
	// concurrent use. All blocking operations honor context cancellation.
	Store interface {
		// Get returns the string value at key or ErrNotFound.
		Get(ctx context.Context, key string) (string, error)
		// Set writes value at key. A zero ttl means no expiry.
		Set(ctx context.Context, key, value string, ttl time.Duration) error
		// SetNX writes value at key only when the key does not exist and
		// reports whether the write happened. Used for lock acquisition.
		SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
		// Del removes keys. Missing keys are not an error.
		Del(ctx context.Context, keys ...string) error
		// Expire sets or refreshes the expiry of key.
		Expire(ctx context.Context, key string, ttl time.Duration) error

		// ZAdd adds or updates member with score in the sorted set at key.
		ZAdd(ctx context.Context, key string, score float64, member string) error
		// ZRem removes members from the sorted set at key.
		ZRem(ctx context.Context, key string, members ...string) error
		// ZRangeByScore returns members with min <= score <= max in score order.
		ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
		// ZCard returns the cardinality of the sorted set at key.
		ZCard(ctx context.Context, key string) (int64, error)

		// Scan returns all keys matching the glob-style pattern.
		Scan(ctx context.Context, pattern string) ([]string, error)

		// RPush appends values to the list at key and returns its new length.
		RPush(ctx context.Context, key string, values ...string) (int64, error)
		// LRange returns the list elements between start and stop inclusive;
		// negative indices count from the tail.
		LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
		// LTrim trims the list at key to the elements between start and stop.
		LTrim(ctx context.Context, key string, start, stop int64) error
		// LLen returns the length of the list at key.
		LLen(ctx context.Context, key string) (int64, error)
		// BLPop pops the head of the list at key, blocking up to timeout.
		// Returns ErrNotFound when the timeout elapses with no element.
		BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)

		// Publish sends payload to every current subscriber of channel.
		Publish(ctx context.Context, channel, payload string) error
		// Subscribe opens a subscription on channel. Delivery is at-most-once
		// per subscription; messages published before the call are not seen.
		Subscribe(ctx context.Context, channel string) (Subscription, error)

		// Pipeline stages writes that Exec applies atomically.
		Pipeline() Pipeline

		// Ping verifies connectivity.
		Ping(ctx context.Context) error
		// Close releases resources. The store is unusable afterwards.
		Close() error
	}

	// Pipeline stages mutations for a single atomic commit. Stage methods
	// never fail; Exec applies everything or nothing.
	Pipeline interface {
		Set(key, value string, ttl time.Duration)
		Del(keys ...string)
		ZAdd(key string, score float64, member string)
		ZRem(key string, members ...string)
		Exec(ctx context.Context) error
	}

	// Subscription is a live pub/sub subscription. C is closed after Close
	// or when the store shuts down.
	Subscription interface {
		C() <-chan string
		Close() error
	}
)
