// Package inmem provides an in-memory implementation of lock.Manager for
// tests and single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/lock"
)

type holder struct {
	token     string
	expiresAt time.Time
}

// Manager implements lock.Manager in memory.
type Manager struct {
	mu    sync.Mutex
	locks map[string]holder
	now   func() time.Time
}

// New returns a new in-memory lock manager.
func New() *Manager {
	return &Manager{
		locks: make(map[string]holder),
		now:   time.Now,
	}
}

// Acquire implements lock.Manager.
func (m *Manager) Acquire(_ context.Context, key string, ttl time.Duration) (*lock.Lock, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.locks[key]; ok && now.Before(h.expiresAt) {
		return nil, nil
	}
	h := holder{token: uuid.New().String(), expiresAt: now.Add(ttl)}
	m.locks[key] = h
	return &lock.Lock{Key: key, Token: h.token, ExpiresAt: h.expiresAt}, nil
}

// Extend implements lock.Manager.
func (m *Manager) Extend(_ context.Context, l *lock.Lock, ttl time.Duration) error {
	if l == nil {
		return fmt.Errorf("lock is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	h, ok := m.locks[l.Key]
	if !ok || h.token != l.Token || now.After(h.expiresAt) {
		return lock.ErrNotHeld
	}
	h.expiresAt = now.Add(ttl)
	m.locks[l.Key] = h
	l.ExpiresAt = h.expiresAt
	return nil
}

// Release implements lock.Manager. Releasing an expired or superseded lease
// is a no-op.
func (m *Manager) Release(_ context.Context, l *lock.Lock) error {
	if l == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.locks[l.Key]
	if !ok || h.token != l.Token {
		return nil
	}
	delete(m.locks, l.Key)
	return nil
}

// SetClock replaces the time source. Tests use this to force lease expiry.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
