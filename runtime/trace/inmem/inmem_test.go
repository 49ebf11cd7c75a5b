package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/trace"
)

func span(traceID, eventType, status string, at time.Time) trace.Span {
	return trace.Span{
		TraceID:   traceID,
		SpanID:    traceID + "/" + eventType,
		EventType: eventType,
		Status:    status,
		Timestamp: at,
	}
}

func seed(t *testing.T, s *Store) time.Time {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, span("t-1", "actor_execute", trace.StatusOK, base.Add(2*time.Second))))
	require.NoError(t, s.Append(ctx, span("t-1", "message_enqueued", trace.StatusOK, base)))
	require.NoError(t, s.Append(ctx, span("t-1", "actor_execute", trace.StatusError, base.Add(4*time.Second))))
	require.NoError(t, s.Append(ctx, span("t-2", "message_enqueued", trace.StatusOK, base.Add(time.Second))))
	return base
}

func TestTraceOrdersByTimestamp(t *testing.T) {
	s := New()
	base := seed(t, s)

	spans, err := s.Trace(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, "message_enqueued", spans[0].EventType)
	assert.Equal(t, base.Add(4*time.Second), spans[2].Timestamp)

	spans, err = s.Trace(context.Background(), "t-9")
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestEventsByType(t *testing.T) {
	s := New()
	seed(t, s)

	spans, err := s.EventsByType(context.Background(), "t-1", "actor_execute")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	for _, sp := range spans {
		assert.Equal(t, "actor_execute", sp.EventType)
		assert.Equal(t, "t-1", sp.TraceID)
	}
}

func TestFailures(t *testing.T) {
	s := New()
	seed(t, s)

	spans, err := s.Failures(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, trace.StatusError, spans[0].Status)

	spans, err = s.Failures(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestQueryFilters(t *testing.T) {
	s := New()
	base := seed(t, s)
	ctx := context.Background()

	// Time range spans both traces.
	spans, err := s.Query(ctx, trace.Filter{From: base.Add(time.Second), To: base.Add(3 * time.Second)})
	require.NoError(t, err)
	require.Len(t, spans, 2)

	spans, err = s.Query(ctx, trace.Filter{Status: trace.StatusError})
	require.NoError(t, err)
	require.Len(t, spans, 1)

	spans, err = s.Query(ctx, trace.Filter{EventType: "message_enqueued"})
	require.NoError(t, err)
	require.Len(t, spans, 2)

	spans, err = s.Query(ctx, trace.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, spans, 1)
}
