// Package inmem provides an in-memory implementation of journal.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loom/runtime/journal"
)

type (
	// Store implements journal.Store in memory.
	Store struct {
		mu sync.Mutex
		// per-actor ordered entries.
		entries map[string][]journal.Entry
		// per-actor latest snapshot.
		snapshots map[string]journal.Snapshot
	}
)

// New returns a new in-memory journal store.
func New() *Store {
	return &Store{
		entries:   make(map[string][]journal.Entry),
		snapshots: make(map[string]journal.Snapshot),
	}
}

// AppendEntry implements journal.Store.
func (s *Store) AppendEntry(_ context.Context, actorID string, entry journal.Entry) error {
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}
	if entry.Type == "" {
		return fmt.Errorf("entry type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[actorID] = append(s.entries[actorID], entry)
	return nil
}

// ReadEntries implements journal.Store.
func (s *Store) ReadEntries(_ context.Context, actorID string) ([]journal.Entry, error) {
	if actorID == "" {
		return nil, fmt.Errorf("actor id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]journal.Entry(nil), s.entries[actorID]...), nil
}

// Len implements journal.Store.
func (s *Store) Len(_ context.Context, actorID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[actorID]), nil
}

// SaveSnapshot implements journal.Store.
func (s *Store) SaveSnapshot(_ context.Context, actorID string, snap journal.Snapshot) error {
	if actorID == "" {
		return fmt.Errorf("actor id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[actorID] = snap
	return nil
}

// LatestSnapshot implements journal.Store.
func (s *Store) LatestSnapshot(_ context.Context, actorID string) (*journal.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[actorID]
	if !ok {
		return nil, nil
	}
	cp := snap
	return &cp, nil
}

// TrimEntries implements journal.Store.
func (s *Store) TrimEntries(_ context.Context, actorID string, beforeCursor int) error {
	if beforeCursor < 0 {
		return fmt.Errorf("cursor must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[actorID]
	if beforeCursor >= len(all) {
		delete(s.entries, actorID)
		return nil
	}
	s.entries[actorID] = append([]journal.Entry(nil), all[beforeCursor:]...)
	return nil
}

// DeleteJournal implements journal.Store.
func (s *Store) DeleteJournal(_ context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, actorID)
	delete(s.snapshots, actorID)
	return nil
}
