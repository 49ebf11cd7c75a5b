package actor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/actor/config"
	"github.com/loomhq/loom/runtime/journal"
	"github.com/loomhq/loom/runtime/journal/inmem"
)

// sumHandler records its operands, calls the "sum" activity, then records the
// result. It suspends on first execution and completes on resume.
func sumHandler(ctx context.Context, c *Core, payload json.RawMessage) (json.RawMessage, error) {
	var in struct{ A, B int }
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}
	if err := c.UpdateState(ctx, func(draft map[string]any) {
		draft["a"] = in.A
		draft["b"] = in.B
	}); err != nil {
		return nil, err
	}
	result, err := c.CallActivity(ctx, "sum", in)
	if err != nil {
		return nil, err
	}
	var sum int
	if err := json.Unmarshal(result, &sum); err != nil {
		return nil, err
	}
	if err := c.UpdateState(ctx, func(draft map[string]any) {
		draft["sum"] = sum
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func TestResumeWithActivityReplaysDeterministically(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	c := newTestCore(t, store, config.Default(), sumHandler)

	payload := json.RawMessage(`{"A":3,"B":4}`)
	require.NoError(t, c.RecordInvocation(ctx, Invocation{MessageID: "m-1", Payload: payload}))
	_, err := c.Execute(ctx, payload)
	var suspend *ActivitySuspend
	require.ErrorAs(t, err, &suspend)
	require.Equal(t, "act-1", suspend.ActivityID)

	out, err := c.ResumeWithActivity(ctx, "act-1", 7)
	require.NoError(t, err)
	assert.Equal(t, "7", string(out))

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, float64(3), state["a"])
	assert.Equal(t, float64(4), state["b"])
	assert.Equal(t, float64(7), state["sum"])
	assert.False(t, c.Suspended())

	// The post-suspension state change was journaled forward.
	entries, err := store.ReadEntries(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, journal.EntryInvocation, entries[0].Type)
	assert.Equal(t, journal.EntryStatePatches, entries[1].Type)
	assert.Equal(t, journal.EntryActivityScheduled, entries[2].Type)
	assert.Equal(t, journal.EntryActivityCompleted, entries[3].Type)
	assert.Equal(t, journal.EntryStatePatches, entries[4].Type)
}

func TestResumeWithActivityMatchesNonSuspendedRun(t *testing.T) {
	ctx := context.Background()

	// Suspended path.
	suspended := newTestCore(t, inmem.New(), config.Default(), sumHandler)
	payload := json.RawMessage(`{"A":3,"B":4}`)
	require.NoError(t, suspended.RecordInvocation(ctx, Invocation{Payload: payload}))
	_, err := suspended.Execute(ctx, payload)
	require.True(t, IsSuspension(err))
	_, err = suspended.ResumeWithActivity(ctx, "act-1", 7)
	require.NoError(t, err)

	// Hypothetical run where the activity returned 7 inline.
	direct := newTestCore(t, inmem.New(), config.Default(), func(ctx context.Context, c *Core, payload json.RawMessage) (json.RawMessage, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		if err := c.UpdateState(ctx, func(draft map[string]any) {
			draft["a"] = in.A
			draft["b"] = in.B
		}); err != nil {
			return nil, err
		}
		return nil, c.UpdateState(ctx, func(draft map[string]any) {
			draft["sum"] = 7
		})
	})
	_, err = direct.Execute(ctx, payload)
	require.NoError(t, err)

	wantState, err := direct.State()
	require.NoError(t, err)
	gotState, err := suspended.State()
	require.NoError(t, err)
	assert.Equal(t, wantState, gotState)
}

func TestResumeAfterRehydration(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	first := newTestCore(t, store, config.Default(), sumHandler)
	payload := json.RawMessage(`{"A":1,"B":2}`)
	require.NoError(t, first.RecordInvocation(ctx, Invocation{Payload: payload}))
	_, err := first.Execute(ctx, payload)
	require.True(t, IsSuspension(err))

	// A fresh instance rehydrates from the store and resumes.
	second := newTestCore(t, store, config.Default(), sumHandler)
	assert.True(t, second.Suspended())
	out, err := second.ResumeWithActivity(ctx, "act-1", 3)
	require.NoError(t, err)
	assert.Equal(t, "3", string(out))

	state, err := second.State()
	require.NoError(t, err)
	assert.Equal(t, float64(3), state["sum"])
}

func TestResumeWithActivityErrorRethrows(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t, inmem.New(), config.Default(), sumHandler)

	payload := json.RawMessage(`{"A":1,"B":2}`)
	require.NoError(t, c.RecordInvocation(ctx, Invocation{Payload: payload}))
	_, err := c.Execute(ctx, payload)
	require.True(t, IsSuspension(err))

	_, err = c.ResumeWithActivityError(ctx, "act-1", "sandbox crashed")
	require.ErrorContains(t, err, `activity "sum" failed: sandbox crashed`)
}

func TestWaitForEventAndResume(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	c := newTestCore(t, store, config.Default(), func(ctx context.Context, c *Core, _ json.RawMessage) (json.RawMessage, error) {
		payload, err := c.WaitForEvent(ctx, "payment_settled")
		if err != nil {
			return nil, err
		}
		if err := c.UpdateState(ctx, func(draft map[string]any) {
			draft["settled"] = true
		}); err != nil {
			return nil, err
		}
		return payload, nil
	})

	require.NoError(t, c.RecordInvocation(ctx, Invocation{Payload: nil}))
	_, err := c.Execute(ctx, nil)
	var suspend *EventSuspend
	require.ErrorAs(t, err, &suspend)
	assert.Equal(t, "payment_settled", suspend.EventType)

	entries, err := store.ReadEntries(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "awaiting_event:payment_settled", entries[1].Suspension.Reason)

	out, err := c.Resume(ctx, "payment_settled", map[string]string{"txn": "t-9"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"txn":"t-9"}`, string(out))

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, true, state["settled"])
}

func TestReplayMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	c := newTestCore(t, store, config.Default(), sumHandler)
	payload := json.RawMessage(`{"A":1,"B":2}`)
	require.NoError(t, c.RecordInvocation(ctx, Invocation{Payload: payload}))
	_, err := c.Execute(ctx, payload)
	require.True(t, IsSuspension(err))

	// Same journal, different code path: the handler now requests another
	// activity name.
	drifted := newTestCore(t, store, config.Default(), func(ctx context.Context, c *Core, _ json.RawMessage) (json.RawMessage, error) {
		if err := c.UpdateState(ctx, func(draft map[string]any) {
			draft["a"] = 1
			draft["b"] = 2
		}); err != nil {
			return nil, err
		}
		_, err := c.CallActivity(ctx, "mul", nil)
		return nil, err
	})
	_, err = drifted.ResumeWithActivity(ctx, "act-1", 3)
	var mismatch *ReplayMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, mismatch.Error(), "journal replay mismatch")
}

func TestReplayWithoutInvocationFails(t *testing.T) {
	c := newTestCore(t, inmem.New(), config.Default(), sumHandler)
	_, err := c.Resume(context.Background(), "some_event", nil)
	require.ErrorContains(t, err, "no invocation recorded")
}

func TestAuditEntriesSkippedDuringReplay(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t, inmem.New(), config.Default(), func(ctx context.Context, c *Core, _ json.RawMessage) (json.RawMessage, error) {
		if err := c.RecordAudit(ctx, journal.EntryContextGathered, map[string]string{"source": "crm"}); err != nil {
			return nil, err
		}
		payload, err := c.WaitForEvent(ctx, "approved")
		if err != nil {
			return nil, err
		}
		return payload, nil
	})

	require.NoError(t, c.RecordInvocation(ctx, Invocation{Payload: nil}))
	_, err := c.Execute(ctx, nil)
	require.True(t, IsSuspension(err))

	out, err := c.Resume(ctx, "approved", "yes")
	require.NoError(t, err)
	assert.Equal(t, `"yes"`, string(out))
}
