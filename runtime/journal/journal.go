// Package journal defines the durable effect log that backs actor execution.
//
// Every non-deterministic effect an actor performs (message receipt, state
// mutation, activity scheduling and completion, child spawning, event waits)
// is appended to its journal. Replaying the journal against the same actor
// code reproduces bit-identical state, which is what allows instances to be
// evicted, crashed, and rehydrated at will.
//
// The package declares the entry model and the Store interface; inmem and
// redis subpackages provide implementations. Redis-backed journals map
// naturally onto Redis streams: appends are XADD, reads are XRANGE, trims are
// positional XTRIM.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// EntryType tags a journal entry variant.
	EntryType string

	// Entry is one recorded effect. Exactly one of the variant pointers is
	// populated, matching Type. Entries are immutable once appended.
	Entry struct {
		// Type identifies the populated variant.
		Type EntryType `json:"type"`
		// Timestamp records when the entry was appended (UTC).
		Timestamp time.Time `json:"timestamp"`

		Invocation   *InvocationEntry   `json:"invocation,omitempty"`
		StatePatches *StatePatchesEntry `json:"state_patches,omitempty"`
		Activity     *ActivityEntry     `json:"activity,omitempty"`
		Child        *ChildEntry        `json:"child,omitempty"`
		Suspension   *SuspensionEntry   `json:"suspension,omitempty"`
		Event        *EventEntry        `json:"event,omitempty"`
		Audit        *AuditEntry        `json:"audit,omitempty"`
	}

	// InvocationEntry records an inbound message receipt: the payload and the
	// metadata that make it part of the actor's deterministic lineage.
	InvocationEntry struct {
		// MessageID is the queue message identifier, when the invocation came
		// through the queue.
		MessageID string `json:"message_id,omitempty"`
		// MessageType names the logical operation requested.
		MessageType string `json:"message_type,omitempty"`
		// CorrelationID links the invocation to its originating trace.
		CorrelationID string `json:"correlation_id,omitempty"`
		// Payload is the JSON-encoded message payload.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// StatePatchesEntry records one UpdateState call as a set of forward
	// patches plus the inverse patches that undo it.
	StatePatchesEntry struct {
		// Patches transform the pre-call state into the post-call state.
		Patches []Patch `json:"patches"`
		// Inverse transforms the post-call state back into the pre-call state.
		Inverse []Patch `json:"inverse"`
	}

	// Patch is a single top-level key mutation.
	Patch struct {
		// Op is "set" or "delete".
		Op PatchOp `json:"op"`
		// Key is the state key the patch applies to.
		Key string `json:"key"`
		// Value is the new value for set patches.
		Value json.RawMessage `json:"value,omitempty"`
	}

	// PatchOp identifies a patch operation.
	PatchOp string

	// ActivityEntry records the scheduling, completion, or failure of an
	// external activity. The same ActivityID links the scheduled entry to its
	// terminal entry.
	ActivityEntry struct {
		// ActivityID is the deterministic identifier ("act-N") assigned when
		// the activity was scheduled.
		ActivityID string `json:"activity_id"`
		// Name is the activity name as requested by actor code.
		Name string `json:"name,omitempty"`
		// Input is the JSON-encoded activity input (scheduled entries only).
		Input json.RawMessage `json:"input,omitempty"`
		// Result is the JSON-encoded activity result (completed entries only).
		Result json.RawMessage `json:"result,omitempty"`
		// Error is the failure message (failed entries only).
		Error string `json:"error,omitempty"`
	}

	// ChildEntry records a deterministic child actor spawn.
	ChildEntry struct {
		// ChildID is the deterministic child identifier derived from the
		// parent id and a monotonic suffix.
		ChildID string `json:"child_id"`
		// ActorType is the child's registered type.
		ActorType string `json:"actor_type"`
		// Input is the JSON-encoded spawn input.
		Input json.RawMessage `json:"input,omitempty"`
	}

	// SuspensionEntry records the start of an external event wait.
	SuspensionEntry struct {
		// Reason describes the wait, e.g. "awaiting_event:payment_settled".
		Reason string `json:"reason"`
	}

	// EventEntry records the delivery of an awaited external event.
	EventEntry struct {
		// EventType names the delivered event.
		EventType string `json:"event_type"`
		// Payload is the JSON-encoded event payload.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// AuditEntry records optional higher-level decision lineage. Audit entries
	// are skipped during replay matching; they never affect determinism.
	AuditEntry struct {
		// Kind is one of the audit entry types (decision_made, context_gathered,
		// precedent_referenced, decision_outcome_tracked).
		Kind EntryType `json:"kind"`
		// Data is the JSON-encoded audit payload.
		Data json.RawMessage `json:"data,omitempty"`
	}

	// Snapshot checkpoints the full actor state at a cursor position so that
	// replay may skip all entries before the cursor.
	Snapshot struct {
		// State is the JSON-encoded full state at the cursor.
		State json.RawMessage `json:"state"`
		// Cursor is the number of journal entries the snapshot covers.
		Cursor int `json:"cursor"`
		// Timestamp records when the snapshot was taken (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Store persists per-actor journals and snapshots. Implementations must
	// preserve append order and support positional trims.
	Store interface {
		// AppendEntry appends one entry to the actor's journal.
		AppendEntry(ctx context.Context, actorID string, entry Entry) error

		// ReadEntries returns all journal entries for the actor in append
		// order. A missing journal yields an empty slice, not an error.
		ReadEntries(ctx context.Context, actorID string) ([]Entry, error)

		// Len returns the number of entries currently in the journal.
		Len(ctx context.Context, actorID string) (int, error)

		// SaveSnapshot stores the snapshot, replacing any previous one.
		SaveSnapshot(ctx context.Context, actorID string, snap Snapshot) error

		// LatestSnapshot returns the most recent snapshot, or nil when none
		// exists. A corrupt stored snapshot is treated as absent.
		LatestSnapshot(ctx context.Context, actorID string) (*Snapshot, error)

		// TrimEntries removes all entries with position < beforeCursor. A
		// cursor at or past the journal length removes every entry.
		TrimEntries(ctx context.Context, actorID string, beforeCursor int) error

		// DeleteJournal removes the journal and snapshot for the actor.
		DeleteJournal(ctx context.Context, actorID string) error
	}
)

const (
	// EntryInvocation records an inbound message receipt.
	EntryInvocation EntryType = "invocation"
	// EntryStatePatches records one UpdateState call.
	EntryStatePatches EntryType = "state_patches"
	// EntryActivityScheduled records an activity being handed off for
	// external execution.
	EntryActivityScheduled EntryType = "activity_scheduled"
	// EntryActivityCompleted records a successful activity result.
	EntryActivityCompleted EntryType = "activity_completed"
	// EntryActivityFailed records a terminal activity failure.
	EntryActivityFailed EntryType = "activity_failed"
	// EntryChildSpawned records a deterministic child actor spawn.
	EntryChildSpawned EntryType = "child_spawned"
	// EntrySuspended records the start of an external event wait.
	EntrySuspended EntryType = "suspended"
	// EntryEventReceived records the delivery of an awaited event.
	EntryEventReceived EntryType = "event_received"

	// Audit entry kinds. Optional lineage; not required for replay.
	EntryDecisionMade           EntryType = "decision_made"
	EntryContextGathered        EntryType = "context_gathered"
	EntryPrecedentReferenced    EntryType = "precedent_referenced"
	EntryDecisionOutcomeTracked EntryType = "decision_outcome_tracked"
)

const (
	// PatchSet assigns Value to Key.
	PatchSet PatchOp = "set"
	// PatchDelete removes Key.
	PatchDelete PatchOp = "delete"
)

// ErrCorruptEntry reports a journal entry that could not be decoded. Unlike a
// corrupt snapshot, a corrupt entry is fatal to the actor's rehydration.
var ErrCorruptEntry = errors.New("journal: corrupt entry")

// IsAudit reports whether the entry carries optional audit lineage rather
// than replay-relevant effects.
func (e Entry) IsAudit() bool {
	switch e.Type {
	case EntryDecisionMade, EntryContextGathered, EntryPrecedentReferenced, EntryDecisionOutcomeTracked:
		return true
	}
	return false
}

// NewAudit constructs an audit entry of the given kind with a JSON payload.
func NewAudit(kind EntryType, data any) (Entry, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Audit:     &AuditEntry{Kind: kind, Data: raw},
	}, nil
}
