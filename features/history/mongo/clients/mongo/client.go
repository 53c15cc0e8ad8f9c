// Package mongo implements the low-level MongoDB client used by the history store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/switchboard-ai/switchboard/runtime/model"
)

const (
	defaultCollection = "conversations"
	defaultWindow     = 50
	defaultTimeout    = 5 * time.Second
	clientName        = "history-mongo"
)

// Client exposes Mongo-backed operations for conversation logs.
type Client interface {
	health.Pinger

	Append(ctx context.Context, sessionID string, msg model.Message) error
	Load(ctx context.Context, sessionID string) ([]model.Message, error)
	Clear(ctx context.Context, sessionID string) error
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	// Window bounds the number of retained messages per session. Appends
	// past the window drop the oldest entries.
	Window int
	// TTL expires idle conversations via a TTL index on the last update
	// timestamp. Zero keeps them until Clear.
	TTL     time.Duration
	Timeout time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	window  int
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper, opts.TTL); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, opts.Window, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, sessionID string, msg model.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id": sessionID,
		},
		"$set": bson.M{
			"updated_at": now,
		},
		"$push": bson.M{
			"messages": bson.M{
				"$each":  []messageDocument{toMessageDocument(msg)},
				"$slice": -c.window,
			},
		},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) Load(ctx context.Context, sessionID string) ([]model.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return fromMessageDocuments(doc.Messages), nil
}

func (c *client) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.DeleteOne(ctx, bson.M{"session_id": sessionID})
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID string            `bson:"session_id"`
	Messages  []messageDocument `bson:"messages"`
	UpdatedAt time.Time         `bson:"updated_at,omitempty"`
}

type messageDocument struct {
	Role        string               `bson:"role"`
	Content     string               `bson:"content,omitempty"`
	ToolCalls   []toolCallDocument   `bson:"tool_calls,omitempty"`
	ToolResults []toolResultDocument `bson:"tool_results,omitempty"`
}

type toolCallDocument struct {
	ID   string         `bson:"id"`
	Name string         `bson:"name"`
	Args map[string]any `bson:"args,omitempty"`
}

type toolResultDocument struct {
	CallID  string `bson:"call_id"`
	Name    string `bson:"name,omitempty"`
	Content string `bson:"content,omitempty"`
	IsError bool   `bson:"is_error,omitempty"`
}

func toMessageDocument(msg model.Message) messageDocument {
	doc := messageDocument{
		Role:    string(msg.Role),
		Content: msg.Content,
	}
	for _, call := range msg.ToolCalls {
		doc.ToolCalls = append(doc.ToolCalls, toolCallDocument{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
		})
	}
	for _, res := range msg.ToolResults {
		doc.ToolResults = append(doc.ToolResults, toolResultDocument{
			CallID:  res.CallID,
			Name:    res.Name,
			Content: res.Content,
			IsError: res.IsError,
		})
	}
	return doc
}

func fromMessageDocuments(docs []messageDocument) []model.Message {
	if len(docs) == 0 {
		return nil
	}
	msgs := make([]model.Message, len(docs))
	for i, doc := range docs {
		msg := model.Message{
			Role:    doc.Role,
			Content: doc.Content,
		}
		for _, call := range doc.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Args,
			})
		}
		for _, res := range doc.ToolResults {
			msg.ToolResults = append(msg.ToolResults, model.ToolResult{
				CallID:  res.CallID,
				Name:    res.Name,
				Content: res.Content,
				IsError: res.IsError,
			})
		}
		msgs[i] = msg
	}
	return msgs
}

func ensureIndexes(ctx context.Context, coll collection, ttl time.Duration) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}
	expiry := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl / time.Second)),
	}
	_, err := coll.Indexes().CreateOne(ctx, expiry)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, window int, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if window <= 0 {
		window = defaultWindow
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		window:  window,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
