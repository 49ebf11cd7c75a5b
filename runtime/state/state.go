// Package state defines the partitioned key-value store that holds actor
// state blobs. The journal remains the source of truth for state; this store
// caches the latest materialized blob so activation can skip a full replay
// when a fresh snapshot exists.
package state

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when no blob exists for the actor.
var ErrNotFound = errors.New("state: not found")

// Store persists opaque per-actor state blobs.
type Store interface {
	// Save stores the blob for the actor, replacing any previous value.
	Save(ctx context.Context, actorID string, blob json.RawMessage) error

	// Load returns the blob for the actor, or ErrNotFound.
	Load(ctx context.Context, actorID string) (json.RawMessage, error)

	// Delete removes the blob for the actor. Deleting a missing blob is a
	// no-op.
	Delete(ctx context.Context, actorID string) error
}
