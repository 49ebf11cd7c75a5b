// Package memory provides the in-process workflow store used by tests and
// single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/workflow"
	"github.com/loomhq/loom/workflow/store"
)

// Store implements store.Store in process memory.
type Store struct {
	mu       sync.Mutex
	versions map[string][]store.Version
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{versions: make(map[string][]store.Version), now: time.Now}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create implements store.Store.
func (s *Store) Create(_ context.Context, id string, def workflow.Definition, opts store.CreateOptions) (*store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.versions[id]) > 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrExists, id)
	}
	now := s.now().UTC()
	v := store.Version{
		Metadata: store.Metadata{
			ID:          id,
			Version:     store.InitialVersion,
			CreatedAt:   now,
			UpdatedAt:   now,
			Description: opts.Description,
			Tags:        opts.Tags,
		},
		Definition: def,
	}
	s.versions[id] = append(s.versions[id], v)
	return &v, nil
}

// Publish implements store.Store.
func (s *Store) Publish(_ context.Context, id string, def workflow.Definition, bump store.Bump) (*store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[id]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	next, err := store.NextVersion(vs[len(vs)-1].Metadata.Version, bump)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	v := store.Version{
		Metadata: store.Metadata{
			ID:        id,
			Version:   next,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Definition: def,
	}
	s.versions[id] = append(vs, v)
	return &v, nil
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, id string) (*store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[id]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	v := vs[len(vs)-1]
	return &v, nil
}

// GetVersion implements store.Store.
func (s *Store) GetVersion(_ context.Context, id, version string) (*store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[id] {
		if v.Metadata.Version == version {
			out := v
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", store.ErrNotFound, id, version)
}

// ListVersions implements store.Store.
func (s *Store) ListVersions(_ context.Context, id string) ([]store.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[id]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	out := make([]store.Version, len(vs))
	copy(out, vs)
	return out, nil
}
