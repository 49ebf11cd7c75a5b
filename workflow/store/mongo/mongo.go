// Package mongo provides the MongoDB-backed workflow store. Versions are
// documents keyed by (metadata.id, metadata.version); the latest is the one
// with the newest creation timestamp.
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

	"github.com/loomhq/loom/workflow"
	"github.com/loomhq/loom/workflow/store"
)

const (
	defaultCollection = "workflow_versions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "workflow-mongo"
)

type (
	// Options configures the Mongo workflow store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "workflow_versions".
		Collection string
		// Timeout bounds individual operations.
		Timeout time.Duration
	}

	// Store implements store.Store on MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

var _ store.Store = (*Store)(nil)

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
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "metadata.id", Value: 1}, {Key: "metadata.version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "metadata.id", Value: 1}, {Key: "metadata.created_at", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create workflow indexes: %w", err)
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

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, id string, def workflow.Definition, opts store.CreateOptions) (*store.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	count, err := s.coll.CountDocuments(ctx, bson.M{"metadata.id": id})
	if err != nil {
		return nil, fmt.Errorf("count workflow versions for %q: %w", id, err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrExists, id)
	}
	now := time.Now().UTC()
	v := store.Version{
		Metadata: store.Metadata{
			ID:          id,
			Version:     store.InitialVersion,
			CreatedAt:   now,
			UpdatedAt:   now,
			Description: opts.Description,
			Tags:        opts.Tags,
		},
		Definition: def,
	}
	if _, err := s.coll.InsertOne(ctx, v); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrExists, id)
		}
		return nil, fmt.Errorf("store workflow %q: %w", id, err)
	}
	return &v, nil
}

// Publish implements store.Store.
func (s *Store) Publish(ctx context.Context, id string, def workflow.Definition, bump store.Bump) (*store.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	latest, err := s.latest(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := store.NextVersion(latest.Metadata.Version, bump)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	v := store.Version{
		Metadata: store.Metadata{
			ID:        id,
			Version:   next,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Definition: def,
	}
	if _, err := s.coll.InsertOne(ctx, v); err != nil {
		return nil, fmt.Errorf("store workflow %q version %s: %w", id, next, err)
	}
	return &v, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*store.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.latest(ctx, id)
}

// GetVersion implements store.Store.
func (s *Store) GetVersion(ctx context.Context, id, version string) (*store.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var v store.Version
	err := s.coll.FindOne(ctx, bson.M{"metadata.id": id, "metadata.version": version}).Decode(&v)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s@%s", store.ErrNotFound, id, version)
		}
		return nil, fmt.Errorf("get workflow %q version %s: %w", id, version, err)
	}
	return &v, nil
}

// ListVersions implements store.Store.
func (s *Store) ListVersions(ctx context.Context, id string) ([]store.Version, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "metadata.created_at", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"metadata.id": id}, opts)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions for %q: %w", id, err)
	}
	defer cur.Close(ctx)
	var out []store.Version
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode workflow versions: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return out, nil
}

func (s *Store) latest(ctx context.Context, id string) (*store.Version, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "metadata.created_at", Value: -1}})
	var v store.Version
	if err := s.coll.FindOne(ctx, bson.M{"metadata.id": id}, opts).Decode(&v); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get workflow %q: %w", id, err)
	}
	return &v, nil
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
