// Package lock defines leased distributed locks. The runtime serializes
// actor dispatch by acquiring "actor:<id>" before invoking Execute and
// extending the lease while the invocation runs.
//
// Leases are timer-driven: a lock that outlives its TTL simply expires, and
// releasing an expired lock is a no-op. Holders that may exceed their TTL
// must call Extend before expiry.
package lock

import (
	"context"
	"errors"
	"time"
)

type (
	// Lock is a held lease. The token distinguishes this acquisition from a
	// later acquisition of the same key, so a stale holder cannot release a
	// lease it no longer owns.
	Lock struct {
		// Key is the lock key.
		Key string
		// Token uniquely identifies this acquisition.
		Token string
		// ExpiresAt is the lease deadline at acquisition or last extension.
		ExpiresAt time.Time
	}

	// Manager acquires, extends, and releases leased locks.
	Manager interface {
		// Acquire attempts to take the lock for ttl. It returns nil (and no
		// error) when the lock is already held by someone else.
		Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)

		// Extend pushes the lease deadline out by ttl from now. It fails with
		// ErrNotHeld when the lease already expired or was taken over.
		Extend(ctx context.Context, l *Lock, ttl time.Duration) error

		// Release drops the lease. Releasing an expired or superseded lease
		// is a no-op.
		Release(ctx context.Context, l *Lock) error
	}
)

// ErrNotHeld is returned by Extend when the lease is no longer owned by the
// caller.
var ErrNotHeld = errors.New("lock: not held")
