// Package mongo provides the MongoDB-backed secrets store. Versions are
// documents keyed by (name, version); deletes disable every version of the
// name in place.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/loomhq/loom/workflow/secrets"
)

const (
	defaultCollection = "secrets"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "secrets-mongo"
)

type (
	// Options configures the Mongo secrets store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "secrets".
		Collection string
		// Timeout bounds individual operations.
		Timeout time.Duration
	}

	// Store implements secrets.Store on MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}
)

var _ secrets.Store = (*Store)(nil)

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
			Keys:    bson.D{{Key: "name", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create secret indexes: %w", err)
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

// GetSecret implements secrets.Store.
func (s *Store) GetSecret(ctx context.Context, name, version string) (*secrets.Secret, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"name": name, "enabled": true}
	if version != "" {
		filter["version"] = version
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var sec secrets.Secret
	if err := s.coll.FindOne(ctx, filter, opts).Decode(&sec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
		}
		return nil, fmt.Errorf("get secret %q: %w", name, err)
	}
	if !sec.Usable(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
	}
	return &sec, nil
}

// SetSecret implements secrets.Store.
func (s *Store) SetSecret(ctx context.Context, name, value string, opts secrets.SetOptions) (*secrets.Secret, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	count, err := s.coll.CountDocuments(ctx, bson.M{"name": name})
	if err != nil {
		return nil, fmt.Errorf("count secret versions for %q: %w", name, err)
	}
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	sec := secrets.Secret{
		Name:        name,
		Version:     strconv.FormatInt(count+1, 10),
		Value:       value,
		Enabled:     enabled,
		ContentType: opts.ContentType,
		Tags:        opts.Tags,
		CreatedAt:   time.Now().UTC(),
		ExpiresOn:   opts.ExpiresOn,
	}
	if _, err := s.coll.InsertOne(ctx, sec); err != nil {
		return nil, fmt.Errorf("store secret %q: %w", name, err)
	}
	return &sec, nil
}

// DeleteSecret implements secrets.Store.
func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateMany(ctx, bson.M{"name": name},
		bson.M{"$set": bson.M{"enabled": false}})
	if err != nil {
		return fmt.Errorf("delete secret %q: %w", name, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
	}
	return nil
}

// ListSecrets implements secrets.Store.
func (s *Store) ListSecrets(ctx context.Context) ([]secrets.Properties, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}, {Key: "created_at", Value: 1}}).
		SetProjection(bson.M{"value": 0})
	cur, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer cur.Close(ctx)
	var all []secrets.Properties
	if err := cur.All(ctx, &all); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	// Keep the newest version per name; the sort puts it last.
	out := make([]secrets.Properties, 0, len(all))
	for _, p := range all {
		if n := len(out); n > 0 && out[n-1].Name == p.Name {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out, nil
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
