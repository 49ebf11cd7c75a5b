package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/idempotency"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec := idempotency.Record{
		Key:        "charge-42",
		ActorID:    "payment-7",
		Result:     json.RawMessage(`{"ok":true}`),
		ExecutedAt: time.Now().UTC(),
		MessageID:  "m-1",
	}
	require.NoError(t, s.Put(ctx, rec, time.Minute))

	got, err := s.Get(ctx, "charge-42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "payment-7", got.ActorID)
	assert.Equal(t, "m-1", got.MessageID)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.False(t, got.ExpiresAt.IsZero())
}

func TestGetMissingReturnsNil(t *testing.T) {
	got, err := New().Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutValidatesInput(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.Error(t, s.Put(ctx, idempotency.Record{}, time.Minute))
	require.Error(t, s.Put(ctx, idempotency.Record{Key: "k"}, 0))
}

func TestPutOverwritesExistingKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k", MessageID: "m-1"}, time.Minute))
	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k", MessageID: "m-2"}, time.Minute))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m-2", got.MessageID)
}

func TestRecordExpires(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k"}, 30*time.Second))

	now = base.Add(29 * time.Second)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, got)

	now = base.Add(31 * time.Second)
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k"}, time.Minute))

	require.NoError(t, s.Delete(ctx, "k"))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting a missing record is a no-op.
	require.NoError(t, s.Delete(ctx, "k"))
}
