// Package memory provides the in-process secrets store used by tests and
// single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loomhq/loom/workflow/secrets"
)

// Store implements secrets.Store in process memory.
type Store struct {
	mu       sync.Mutex
	versions map[string][]secrets.Secret
	now      func() time.Time
}

var _ secrets.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{versions: make(map[string][]secrets.Secret), now: time.Now}
}

// SetClock replaces the time source. Tests use this to exercise expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetSecret implements secrets.Store.
func (s *Store) GetSecret(_ context.Context, name, version string) (*secrets.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	vs := s.versions[name]
	if version != "" {
		for i := len(vs) - 1; i >= 0; i-- {
			if vs[i].Version == version && vs[i].Usable(now) {
				sec := vs[i]
				return &sec, nil
			}
		}
		return nil, fmt.Errorf("%w: %s@%s", secrets.ErrNotFound, name, version)
	}
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].Usable(now) {
			sec := vs[i]
			return &sec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
}

// SetSecret implements secrets.Store.
func (s *Store) SetSecret(_ context.Context, name, value string, opts secrets.SetOptions) (*secrets.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	sec := secrets.Secret{
		Name:        name,
		Version:     strconv.Itoa(len(s.versions[name]) + 1),
		Value:       value,
		Enabled:     enabled,
		ContentType: opts.ContentType,
		Tags:        opts.Tags,
		CreatedAt:   s.now().UTC(),
		ExpiresOn:   opts.ExpiresOn,
	}
	s.versions[name] = append(s.versions[name], sec)
	return &sec, nil
}

// DeleteSecret implements secrets.Store.
func (s *Store) DeleteSecret(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.versions[name]
	if !ok {
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, name)
	}
	for i := range vs {
		vs[i].Enabled = false
	}
	return nil
}

// ListSecrets implements secrets.Store.
func (s *Store) ListSecrets(_ context.Context) ([]secrets.Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.versions))
	for name := range s.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]secrets.Properties, 0, len(names))
	for _, name := range names {
		vs := s.versions[name]
		if len(vs) == 0 {
			continue
		}
		latest := vs[len(vs)-1]
		out = append(out, latest.Props())
	}
	return out, nil
}
