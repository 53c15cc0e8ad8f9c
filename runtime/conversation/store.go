// Package conversation persists the bounded per-session message log and
// shapes the model input to a token budget.
package conversation

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/switchboard-ai/switchboard/runtime/model"
	"github.com/switchboard-ai/switchboard/runtime/statestore"
	"github.com/switchboard-ai/switchboard/runtime/telemetry"
)

// Limits applied when no override is configured.
const (
	DefaultMaxMessages      = 50
	DefaultMaxHistoryTokens = 30000
)

// gzipPrefix frames compressed entries so the reader can tell them from
// raw JSON written before compression was enabled.
const gzipPrefix = "gz:"

type (
	// Store is the per-session conversation log.
	Store interface {
		// Append adds a message and trims the log to the message window.
		Append(ctx context.Context, sessionID string, msg model.Message) error
		// History returns the most recent messages whose cumulative
		// approximate token count fits maxTokens, oldest first. A
		// non-positive maxTokens uses the configured default.
		History(ctx context.Context, sessionID string, maxTokens int) ([]model.Message, error)
		// All returns the full retained window, oldest first.
		All(ctx context.Context, sessionID string) ([]model.Message, error)
		// Clear removes the session's log.
		Clear(ctx context.Context, sessionID string) error
	}

	// Option configures the store.
	Option func(*store)

	store struct {
		kv          statestore.Store
		logger      telemetry.Logger
		maxMessages int
		maxTokens   int
		compress    bool
		ttl         time.Duration
	}
)

// WithMaxMessages sets the sliding message window.
func WithMaxMessages(n int) Option {
	return func(s *store) { s.maxMessages = n }
}

// WithMaxHistoryTokens sets the default read-side token budget.
func WithMaxHistoryTokens(n int) Option {
	return func(s *store) { s.maxTokens = n }
}

// WithCompression gzips stored entries.
func WithCompression(enabled bool) Option {
	return func(s *store) { s.compress = enabled }
}

// WithTTL expires idle logs after d. Zero keeps them until Clear.
func WithTTL(d time.Duration) Option {
	return func(s *store) { s.ttl = d }
}

// WithLogger sets the store logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *store) { s.logger = l }
}

// New builds a conversation store over kv.
func New(kv statestore.Store, opts ...Option) Store {
	s := &store{
		kv:          kv,
		logger:      telemetry.NewNoopLogger(),
		maxMessages: DefaultMaxMessages,
		maxTokens:   DefaultMaxHistoryTokens,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func convKey(sessionID string) string { return "conv:" + sessionID }

func (s *store) Append(ctx context.Context, sessionID string, msg model.Message) error {
	entry, err := s.encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := convKey(sessionID)
	if _, err := s.kv.RPush(ctx, key, entry); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := s.kv.LTrim(ctx, key, int64(-s.maxMessages), -1); err != nil {
		return fmt.Errorf("trim conversation: %w", err)
	}
	if s.ttl > 0 {
		if err := s.kv.Expire(ctx, key, s.ttl); err != nil {
			return fmt.Errorf("refresh conversation ttl: %w", err)
		}
	}
	return nil
}

func (s *store) History(ctx context.Context, sessionID string, maxTokens int) ([]model.Message, error) {
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}
	msgs, err := s.All(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return TrimToBudget(msgs, maxTokens), nil
}

// TrimToBudget returns the most recent suffix of msgs whose cumulative
// approximate token count fits maxTokens, oldest first. A non-positive
// maxTokens returns msgs unchanged.
func TrimToBudget(msgs []model.Message, maxTokens int) []model.Message {
	if maxTokens <= 0 {
		return msgs
	}
	// Walk backwards so the budget keeps the most recent suffix.
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := approxTokens(msgs[i])
		if total+cost > maxTokens {
			break
		}
		total += cost
		start = i
	}
	return msgs[start:]
}

func (s *store) All(ctx context.Context, sessionID string) ([]model.Message, error) {
	entries, err := s.kv.LRange(ctx, convKey(sessionID), 0, -1)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	msgs := make([]model.Message, 0, len(entries))
	for i, entry := range entries {
		msg, err := decodeEntry(entry)
		if err != nil {
			// A corrupt entry loses one message, never the session.
			s.logger.Warn(ctx, "skipping unreadable conversation entry",
				"session", sessionID, "index", i, "err", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *store) Clear(ctx context.Context, sessionID string) error {
	return s.kv.Del(ctx, convKey(sessionID))
}

func (s *store) encode(msg model.Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if !s.compress {
		return string(raw), nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return gzipPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeEntry reads both framings: gzip+base64 entries carry the "gz:"
// prefix, everything else is raw JSON.
func decodeEntry(entry string) (model.Message, error) {
	var msg model.Message
	raw := []byte(entry)
	if encoded, ok := strings.CutPrefix(entry, gzipPrefix); ok {
		packed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return msg, fmt.Errorf("base64: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(packed))
		if err != nil {
			return msg, fmt.Errorf("gzip: %w", err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return msg, fmt.Errorf("gunzip: %w", err)
		}
		if err := zr.Close(); err != nil {
			return msg, fmt.Errorf("gzip close: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// approxTokens estimates the model-facing size of one message: four
// characters per token for text, JSON-stringified length for the
// structured fields.
func approxTokens(msg model.Message) int {
	cost := ceilDiv(len(msg.Role)+len(msg.Content), 4)
	if len(msg.ToolCalls) > 0 {
		if raw, err := json.Marshal(msg.ToolCalls); err == nil {
			cost += ceilDiv(len(raw), 4)
		}
	}
	if len(msg.ToolResults) > 0 {
		if raw, err := json.Marshal(msg.ToolResults); err == nil {
			cost += ceilDiv(len(raw), 4)
		}
	}
	return cost
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
