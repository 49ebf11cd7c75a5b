package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/journal"
)

func invocation(msgID string) journal.Entry {
	return journal.Entry{
		Type:      journal.EntryInvocation,
		Timestamp: time.Now().UTC(),
		Invocation: &journal.InvocationEntry{
			MessageID:   msgID,
			MessageType: "increment",
			Payload:     json.RawMessage(`{"by":1}`),
		},
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AppendEntry(ctx, "counter-1", invocation("m-1")))
	require.NoError(t, s.AppendEntry(ctx, "counter-1", journal.Entry{
		Type:      journal.EntryStatePatches,
		Timestamp: time.Now().UTC(),
		StatePatches: &journal.StatePatchesEntry{
			Patches: []journal.Patch{{Op: journal.PatchSet, Key: "count", Value: json.RawMessage(`1`)}},
			Inverse: []journal.Patch{{Op: journal.PatchDelete, Key: "count"}},
		},
	}))
	require.NoError(t, s.AppendEntry(ctx, "counter-1", invocation("m-2")))

	entries, err := s.ReadEntries(ctx, "counter-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m-1", entries[0].Invocation.MessageID)
	assert.Equal(t, journal.EntryStatePatches, entries[1].Type)
	assert.Equal(t, "m-2", entries[2].Invocation.MessageID)

	n, err := s.Len(ctx, "counter-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAppendValidatesInput(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.Error(t, s.AppendEntry(ctx, "", invocation("m-1")))
	require.Error(t, s.AppendEntry(ctx, "counter-1", journal.Entry{}))
}

func TestReadMissingJournalIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := New()

	entries, err := s.ReadEntries(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err := s.Len(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendEntry(ctx, "counter-1", invocation("m-1")))

	entries, err := s.ReadEntries(ctx, "counter-1")
	require.NoError(t, err)
	entries[0] = journal.Entry{Type: journal.EntrySuspended}

	again, err := s.ReadEntries(ctx, "counter-1")
	require.NoError(t, err)
	assert.Equal(t, journal.EntryInvocation, again[0].Type)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	snap, err := s.LatestSnapshot(ctx, "counter-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	want := journal.Snapshot{
		State:     json.RawMessage(`{"count":5}`),
		Cursor:    10,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSnapshot(ctx, "counter-1", want))

	snap, err = s.LatestSnapshot(ctx, "counter-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, want, *snap)

	// A later snapshot replaces the previous one.
	want.Cursor = 20
	require.NoError(t, s.SaveSnapshot(ctx, "counter-1", want))
	snap, err = s.LatestSnapshot(ctx, "counter-1")
	require.NoError(t, err)
	assert.Equal(t, 20, snap.Cursor)
}

func TestTrimEntries(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		require.NoError(t, s.AppendEntry(ctx, "counter-1", invocation(id)))
	}

	require.NoError(t, s.TrimEntries(ctx, "counter-1", 2))
	entries, err := s.ReadEntries(ctx, "counter-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m-3", entries[0].Invocation.MessageID)
	assert.Equal(t, "m-4", entries[1].Invocation.MessageID)

	// A cursor at or past the length removes everything.
	require.NoError(t, s.TrimEntries(ctx, "counter-1", 10))
	n, err := s.Len(ctx, "counter-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Error(t, s.TrimEntries(ctx, "counter-1", -1))
}

func TestDeleteJournal(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendEntry(ctx, "counter-1", invocation("m-1")))
	require.NoError(t, s.SaveSnapshot(ctx, "counter-1", journal.Snapshot{
		State:  json.RawMessage(`{}`),
		Cursor: 1,
	}))

	require.NoError(t, s.DeleteJournal(ctx, "counter-1"))

	n, err := s.Len(ctx, "counter-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	snap, err := s.LatestSnapshot(ctx, "counter-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}
