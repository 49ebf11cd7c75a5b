// Package redis provides a Redis-backed implementation of idempotency.Store.
// Records are JSON values written with SET EX so Redis enforces the TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/runtime/idempotency"
)

type (
	// Options configures the Redis idempotency store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// KeyPrefix namespaces idempotency keys. Defaults to "loom".
		KeyPrefix string
		// OperationTimeout bounds individual Redis operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Store implements idempotency.Store on Redis.
	Store struct {
		rdb     *redis.Client
		prefix  string
		timeout time.Duration
	}
)

// Compile-time check that Store implements idempotency.Store.
var _ idempotency.Store = (*Store)(nil)

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
func (s *Store) Name() string { return "idempotency-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Put implements idempotency.Store.
func (s *Store) Put(ctx context.Context, rec idempotency.Record, ttl time.Duration) error {
	if rec.Key == "" {
		return errors.New("idempotency key is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	rec.ExpiresAt = time.Now().Add(ttl).UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.key(rec.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// Get implements idempotency.Store.
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Delete implements idempotency.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *Store) key(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.prefix, key)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
