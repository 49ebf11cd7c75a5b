// Package actor implements the journaled actor core: durable state, the
// typed primitives user code performs effects through, deterministic replay,
// and journal compaction.
//
// An actor's handler reads all external non-determinism through the Core
// primitives (UpdateState, CallActivity, SpawnChild, WaitForEvent). Each
// primitive records a journal entry during forward execution and matches the
// recorded entry during replay, so rehydrating an instance from its journal
// reproduces bit-identical state. Wall-clock reads, randomness, and network
// calls are disallowed in handlers outside activities.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomhq/loom/runtime/journal"
)

type (
	// Context identifies one actor invocation. It is created per invocation
	// and immutable for its duration.
	Context struct {
		// ActorID uniquely addresses the actor instance.
		ActorID string
		// ActorType is the registered type name.
		ActorType string
		// CorrelationID links the invocation to its originating trace.
		CorrelationID string
		// ParentTraceID is set when the invocation descends from another
		// traced operation.
		ParentTraceID string
		// TenantID, ClientID and Environment scope multi-tenant deployments.
		TenantID    string
		ClientID    string
		Environment string
	}

	// Invocation carries the inbound message recorded before user code runs,
	// making the payload part of the actor's deterministic lineage.
	Invocation struct {
		MessageID     string
		MessageType   string
		CorrelationID string
		Payload       json.RawMessage
	}

	// Spawner delivers child spawn requests to the runtime. Invoked during
	// forward execution only; replays match the recorded child_spawned entry
	// without re-spawning.
	Spawner interface {
		Spawn(ctx context.Context, childID, actorType string, input json.RawMessage) error
	}

	// ActivitySuspend is the sentinel raised by CallActivity. It unwinds the
	// handler stack to the runtime, which persists the journal and releases
	// the instance; it is not a failure. Detect with errors.As.
	ActivitySuspend struct {
		// ActivityID is the deterministic identifier assigned at scheduling.
		ActivityID string
		// Name is the activity name as requested by the handler.
		Name string
		// Input is the JSON-encoded activity input.
		Input json.RawMessage
	}

	// EventSuspend is the sentinel raised by WaitForEvent. Like
	// ActivitySuspend it signals a durable suspension, not a failure.
	EventSuspend struct {
		// EventType names the awaited event.
		EventType string
	}

	// ReplayMismatchError reports a journal entry that disagrees with the
	// code path taken during replay. Fatal to the invocation: the journal no
	// longer describes the code, and the actor requires operator
	// intervention.
	ReplayMismatchError struct {
		ActorID  string
		Cursor   int
		Expected journal.EntryType
		Recorded journal.EntryType
		Detail   string
	}
)

// Error implements error.
func (s *ActivitySuspend) Error() string {
	return fmt.Sprintf("actor suspended awaiting activity %s (%s)", s.ActivityID, s.Name)
}

// Error implements error.
func (s *EventSuspend) Error() string {
	return fmt.Sprintf("actor suspended awaiting event %q", s.EventType)
}

// Error implements error.
func (e *ReplayMismatchError) Error() string {
	msg := fmt.Sprintf("journal replay mismatch: actor %s entry %d: expected %s, recorded %s",
		e.ActorID, e.Cursor, e.Expected, e.Recorded)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsSuspension reports whether err is one of the suspension sentinels. The
// runtime treats suspensions as successful durable yields.
func IsSuspension(err error) bool {
	var as *ActivitySuspend
	var es *EventSuspend
	return errors.As(err, &as) || errors.As(err, &es)
}
