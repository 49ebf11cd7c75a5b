// Package inmem provides an in-memory implementation of state.Store for
// tests and local development.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomhq/loom/runtime/state"
)

// Store implements state.Store in memory.
type Store struct {
	mu    sync.RWMutex
	blobs map[string]json.RawMessage
}

// New returns a new in-memory state store.
func New() *Store {
	return &Store{blobs: make(map[string]json.RawMessage)}
}

// Save implements state.Store.
func (s *Store) Save(_ context.Context, actorID string, blob json.RawMessage) error {
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[actorID] = append(json.RawMessage(nil), blob...)
	return nil
}

// Load implements state.Store.
func (s *Store) Load(_ context.Context, actorID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[actorID]
	if !ok {
		return nil, state.ErrNotFound
	}
	return append(json.RawMessage(nil), blob...), nil
}

// Delete implements state.Store.
func (s *Store) Delete(_ context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, actorID)
	return nil
}
