// Package idempotency provides the keyed result cache that makes message
// processing exactly-once under retries. A record associates an idempotency
// key with the result of the execution it guarded; within the record's TTL,
// redeliveries observe the cached result instead of re-invoking the actor.
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Record caches the outcome of one keyed execution.
	Record struct {
		// Key is the caller-supplied idempotency key.
		Key string `json:"key"`
		// ActorID identifies the actor that performed the execution.
		ActorID string `json:"actor_id"`
		// Result is the JSON-encoded execution result.
		Result json.RawMessage `json:"result,omitempty"`
		// ExecutedAt records when the guarded execution completed (UTC).
		ExecutedAt time.Time `json:"executed_at"`
		// ExpiresAt records when the record stops being honored (UTC).
		ExpiresAt time.Time `json:"expires_at"`
		// MessageID identifies the message that triggered the execution.
		MessageID string `json:"message_id,omitempty"`
		// Metadata carries optional caller annotations.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Store caches records with a TTL. Writers must be idempotent: storing
	// the same key twice keeps the most recent record.
	Store interface {
		// Put stores the record with the given TTL.
		Put(ctx context.Context, rec Record, ttl time.Duration) error

		// Get returns the record for the key, or nil when absent or expired.
		Get(ctx context.Context, key string) (*Record, error)

		// Delete removes the record for the key. Deleting a missing record is
		// a no-op.
		Delete(ctx context.Context, key string) error
	}
)
