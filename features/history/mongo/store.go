package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/switchboard-ai/switchboard/features/history/mongo/clients/mongo"
	"github.com/switchboard-ai/switchboard/runtime/conversation"
	"github.com/switchboard-ai/switchboard/runtime/model"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
	// MaxHistoryTokens is the default read-side token budget applied by
	// History when the caller does not provide one.
	MaxHistoryTokens int
}

// Store implements conversation.Store by delegating to the Mongo client.
type Store struct {
	client    clientsmongo.Client
	maxTokens int
}

var _ conversation.Store = (*Store)(nil)

// NewStore builds a Mongo-backed conversation store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	maxTokens := opts.MaxHistoryTokens
	if maxTokens <= 0 {
		maxTokens = conversation.DefaultMaxHistoryTokens
	}
	return &Store{client: opts.Client, maxTokens: maxTokens}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using the given options.
func NewStoreFromMongo(opts clientsmongo.Options, maxHistoryTokens int) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client, MaxHistoryTokens: maxHistoryTokens})
}

// Append adds a message to the session log and trims it to the retained window.
func (s *Store) Append(ctx context.Context, sessionID string, msg model.Message) error {
	return s.client.Append(ctx, sessionID, msg)
}

// History returns the most recent messages that fit maxTokens, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, maxTokens int) ([]model.Message, error) {
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}
	msgs, err := s.client.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return conversation.TrimToBudget(msgs, maxTokens), nil
}

// All returns the full retained window, oldest first.
func (s *Store) All(ctx context.Context, sessionID string) ([]model.Message, error) {
	return s.client.Load(ctx, sessionID)
}

// Clear removes the session's log.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.client.Clear(ctx, sessionID)
}
