// Package redis provides a Redis-backed implementation of state.Store. Blobs
// are plain string values partitioned by actor id under a configurable key
// prefix.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/runtime/state"
)

type (
	// Options configures the Redis state store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// KeyPrefix namespaces state keys. Defaults to "loom".
		KeyPrefix string
		// OperationTimeout bounds individual Redis operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Store implements state.Store on Redis.
	Store struct {
		rdb     *redis.Client
		prefix  string
		timeout time.Duration
	}
)

// Compile-time check that Store implements state.Store.
var _ state.Store = (*Store)(nil)

// New returns a Store backed by Redis. The Client field in opts is required.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "loom"
	}
	return &Store{rdb: opts.Client, prefix: prefix, timeout: opts.OperationTimeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "state-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, actorID string, blob json.RawMessage) error {
	if actorID == "" {
		return errors.New("actor id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.key(actorID), []byte(blob), 0).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context, actorID string) (json.RawMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.Get(ctx, s.key(actorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return raw, nil
}

// Delete implements state.Store.
func (s *Store) Delete(ctx context.Context, actorID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.key(actorID)).Err(); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *Store) key(actorID string) string {
	return fmt.Sprintf("%s:state:%s", s.prefix, actorID)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
