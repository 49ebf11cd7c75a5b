// Package inmem provides an in-memory trace sink and reader for tests and
// local development.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/loomhq/loom/runtime/trace"
)

// Store implements trace.Sink and trace.Reader in memory.
type Store struct {
	mu    sync.Mutex
	spans []trace.Span
}

var (
	_ trace.Sink   = (*Store)(nil)
	_ trace.Reader = (*Store)(nil)
)

// New returns a new in-memory trace store.
func New() *Store {
	return &Store{}
}

// Append implements trace.Sink.
func (s *Store) Append(_ context.Context, span trace.Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, span)
	return nil
}

// Trace implements trace.Reader.
func (s *Store) Trace(_ context.Context, traceID string) ([]trace.Span, error) {
	return s.filter(func(sp trace.Span) bool { return sp.TraceID == traceID }), nil
}

// EventsByType implements trace.Reader.
func (s *Store) EventsByType(_ context.Context, traceID, eventType string) ([]trace.Span, error) {
	return s.filter(func(sp trace.Span) bool {
		return sp.TraceID == traceID && sp.EventType == eventType
	}), nil
}

// Failures implements trace.Reader.
func (s *Store) Failures(_ context.Context, traceID string) ([]trace.Span, error) {
	return s.filter(func(sp trace.Span) bool {
		return sp.TraceID == traceID && sp.Status == trace.StatusError
	}), nil
}

// Query implements trace.Reader.
func (s *Store) Query(_ context.Context, f trace.Filter) ([]trace.Span, error) {
	out := s.filter(func(sp trace.Span) bool {
		if !f.From.IsZero() && sp.Timestamp.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && sp.Timestamp.After(f.To) {
			return false
		}
		if f.Status != "" && sp.Status != f.Status {
			return false
		}
		if f.EventType != "" && sp.EventType != f.EventType {
			return false
		}
		return true
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) filter(keep func(trace.Span) bool) []trace.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trace.Span
	for _, sp := range s.spans {
		if keep(sp) {
			out = append(out, sp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
