// Package redis provides a Redis-backed implementation of lock.Manager using
// the single-instance lease pattern: SET NX PX to acquire, and Lua scripts
// that compare the acquisition token before extending or deleting so a stale
// holder can never touch a lease it lost.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/runtime/lock"
)

type (
	// Options configures the Redis lock manager.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// KeyPrefix namespaces lock keys. Defaults to "loom".
		KeyPrefix string
	}

	// Manager implements lock.Manager on Redis.
	Manager struct {
		rdb    *redis.Client
		prefix string
	}
)

// Compile-time check that Manager implements lock.Manager.
var _ lock.Manager = (*Manager)(nil)

var (
	// extendScript renews the lease only when the stored token matches.
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

	// releaseScript deletes the lease only when the stored token matches.
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)
)

// New returns a Manager backed by Redis. The Client field in opts is required.
func New(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "loom"
	}
	return &Manager{rdb: opts.Client, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (m *Manager) Name() string { return "lock-redis" }

// Ping implements health.Pinger.
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Acquire implements lock.Manager.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lock, error) {
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	token := uuid.New().String()
	ok, err := m.rdb.SetNX(ctx, m.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &lock.Lock{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

// Extend implements lock.Manager.
func (m *Manager) Extend(ctx context.Context, l *lock.Lock, ttl time.Duration) error {
	if l == nil {
		return errors.New("lock is required")
	}
	res, err := extendScript.Run(ctx, m.rdb, []string{m.key(l.Key)}, l.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if res == 0 {
		return lock.ErrNotHeld
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// Release implements lock.Manager. Releasing an expired or superseded lease
// is a no-op: the script simply matches nothing.
func (m *Manager) Release(ctx context.Context, l *lock.Lock) error {
	if l == nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, m.rdb, []string{m.key(l.Key)}, l.Token).Int(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (m *Manager) key(key string) string {
	return fmt.Sprintf("%s:lock:%s", m.prefix, key)
}
