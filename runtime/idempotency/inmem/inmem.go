// Package inmem provides an in-memory implementation of idempotency.Store
// for tests and local development. Expiry is enforced on read.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/runtime/idempotency"
)

// Store implements idempotency.Store in memory.
type Store struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
	// now is replaceable in tests.
	now func() time.Time
}

// New returns a new in-memory idempotency store.
func New() *Store {
	return &Store{
		records: make(map[string]idempotency.Record),
		now:     time.Now,
	}
}

// Put implements idempotency.Store.
func (s *Store) Put(_ context.Context, rec idempotency.Record, ttl time.Duration) error {
	if rec.Key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ExpiresAt = s.now().Add(ttl).UTC()
	s.records[rec.Key] = rec
	return nil
}

// Get implements idempotency.Store.
func (s *Store) Get(_ context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(rec.ExpiresAt) {
		delete(s.records, key)
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

// Delete implements idempotency.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// SetClock replaces the time source. Tests use this to force expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
