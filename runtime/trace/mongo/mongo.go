// Package mongo provides a MongoDB-backed trace sink and reader. Span events
// are documents partitioned by trace_id with composite indexes supporting
// per-trace ordering and cross-trace time-range filters.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/loomhq/loom/runtime/trace"
)

const (
	defaultCollection = "trace_events"
	defaultOpTimeout  = 5 * time.Second
	defaultQueryLimit = 1000
	clientName        = "trace-mongo"
)

type (
	// Options configures the Mongo trace store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "trace_events".
		Collection string
		// Timeout bounds individual operations.
		Timeout time.Duration
	}

	// Store implements trace.Sink and trace.Reader on MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

var (
	_ trace.Sink   = (*Store)(nil)
	_ trace.Reader = (*Store)(nil)
)

// New returns a Store backed by MongoDB, creating the indexes it queries by.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append implements trace.Sink.
func (s *Store) Append(ctx context.Context, span trace.Span) error {
	if span.TraceID == "" {
		return errors.New("trace id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, span); err != nil {
		return fmt.Errorf("append span: %w", err)
	}
	return nil
}

// Trace implements trace.Reader.
func (s *Store) Trace(ctx context.Context, traceID string) ([]trace.Span, error) {
	return s.find(ctx, bson.M{"trace_id": traceID}, 0)
}

// EventsByType implements trace.Reader.
func (s *Store) EventsByType(ctx context.Context, traceID, eventType string) ([]trace.Span, error) {
	return s.find(ctx, bson.M{"trace_id": traceID, "event_type": eventType}, 0)
}

// Failures implements trace.Reader.
func (s *Store) Failures(ctx context.Context, traceID string) ([]trace.Span, error) {
	return s.find(ctx, bson.M{"trace_id": traceID, "status": trace.StatusError}, 0)
}

// Query implements trace.Reader.
func (s *Store) Query(ctx context.Context, f trace.Filter) ([]trace.Span, error) {
	filter := bson.M{}
	ts := bson.M{}
	if !f.From.IsZero() {
		ts["$gte"] = f.From
	}
	if !f.To.IsZero() {
		ts["$lte"] = f.To
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.EventType != "" {
		filter["event_type"] = f.EventType
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return s.find(ctx, filter, limit)
}

func (s *Store) find(ctx context.Context, filter bson.M, limit int) ([]trace.Span, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer cur.Close(ctx)
	var spans []trace.Span
	if err := cur.All(ctx, &spans); err != nil {
		return nil, fmt.Errorf("decode spans: %w", err)
	}
	return spans, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	indexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "event_type", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}, {Key: "status", Value: 1}, {Key: "event_type", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create trace indexes: %w", err)
	}
	return nil
}
