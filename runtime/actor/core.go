package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/runtime/actor/config"
	"github.com/loomhq/loom/runtime/journal"
	"github.com/loomhq/loom/runtime/telemetry"
)

type (
	// Handler is the user-supplied actor body. It must perform all effects
	// through the Core primitives and may return a suspension sentinel
	// (raised by CallActivity or WaitForEvent) as its error.
	Handler func(ctx context.Context, c *Core, payload json.RawMessage) (json.RawMessage, error)

	// Options configures a Core.
	Options struct {
		// Context identifies the actor instance. ActorID and ActorType are
		// required.
		Context Context
		// Config is the actor type's infrastructure policy.
		Config config.Config
		// Journal persists the actor's effect log. Required.
		Journal journal.Store
		// Handler is the actor body. Required.
		Handler Handler
		// Spawner delivers child spawn requests. Optional; SpawnChild fails
		// during forward execution when unset.
		Spawner Spawner
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to the noop recorder.
		Metrics telemetry.Metrics
	}

	// Core holds one actor instance's state and journal and exposes the
	// deterministic primitives to its handler.
	//
	// A Core is not safe for concurrent use. The runtime serializes access
	// through the per-actor distributed lock before dispatching.
	Core struct {
		actx    Context
		cfg     config.Config
		store   journal.Store
		handler Handler
		spawner Spawner
		logger  telemetry.Logger
		metrics telemetry.Metrics

		// base is the state captured by the latest snapshot; entries holds
		// the journal past that snapshot. base + entries fully determine
		// current state.
		base    map[string]any
		state   map[string]any
		entries []journal.Entry

		cursor      int
		replaying   bool
		activitySeq int
		childSeq    int

		compacting     bool
		lastCompaction time.Time
		now            func() time.Time
	}
)

// compactionCooldown is the minimum interval between journal compactions.
const compactionCooldown = 5 * time.Second

// New constructs a Core. Call LoadJournal before dispatching.
func New(opts Options) (*Core, error) {
	if opts.Context.ActorID == "" {
		return nil, errors.New("actor id is required")
	}
	if opts.Context.ActorType == "" {
		return nil, errors.New("actor type is required")
	}
	if opts.Journal == nil {
		return nil, errors.New("journal store is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	cfg := opts.Config.Normalize()
	return &Core{
		actx:    opts.Context,
		cfg:     cfg,
		store:   opts.Journal,
		handler: opts.Handler,
		spawner: opts.Spawner,
		logger:  logger,
		metrics: metrics,
		base:    map[string]any{},
		state:   map[string]any{},
		now:     time.Now,
	}, nil
}

// ID returns the actor id.
func (c *Core) ID() string { return c.actx.ActorID }

// Type returns the actor type.
func (c *Core) Type() string { return c.actx.ActorType }

// Context returns the invocation context.
func (c *Core) Context() Context { return c.actx }

// State returns a deep copy of the current state.
func (c *Core) State() (map[string]any, error) {
	return cloneState(c.state)
}

// StateJSON returns the current state as JSON, for persistence.
func (c *Core) StateJSON() (json.RawMessage, error) {
	raw, err := json.Marshal(c.state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return raw, nil
}

// JournalLen returns the number of in-memory journal entries past the latest
// snapshot.
func (c *Core) JournalLen() int { return len(c.entries) }

// Suspended reports whether the journal ends at a live suspension point: an
// activity scheduled without a terminal entry, or an event wait without its
// event_received.
func (c *Core) Suspended() bool {
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if e.IsAudit() {
			continue
		}
		switch e.Type {
		case journal.EntryActivityScheduled, journal.EntrySuspended:
			return true
		}
		return false
	}
	return false
}

// SetClock overrides the compaction clock. Tests only.
func (c *Core) SetClock(now func() time.Time) { c.now = now }

// LoadJournal hydrates the instance from the latest snapshot plus the
// remaining journal. A corrupt snapshot is ignored with a warning, forcing
// full replay from the journal; a corrupt journal entry is fatal to
// rehydration.
func (c *Core) LoadJournal(ctx context.Context) error {
	snap, err := c.store.LatestSnapshot(ctx, c.actx.ActorID)
	if err != nil {
		return fmt.Errorf("load snapshot for actor %s: %w", c.actx.ActorID, err)
	}
	base := map[string]any{}
	if snap != nil {
		if uerr := json.Unmarshal(snap.State, &base); uerr != nil {
			c.logger.Warn(ctx, "ignoring corrupt snapshot",
				"actor_id", c.actx.ActorID, "err", uerr.Error())
			base = map[string]any{}
		}
	}
	entries, err := c.store.ReadEntries(ctx, c.actx.ActorID)
	if err != nil {
		return fmt.Errorf("load journal for actor %s: %w", c.actx.ActorID, err)
	}
	c.base = base
	c.entries = entries
	state, err := cloneState(base)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != journal.EntryStatePatches {
			continue
		}
		if err := applyPatches(state, e.StatePatches.Patches); err != nil {
			return fmt.Errorf("hydrate actor %s: %w", c.actx.ActorID, err)
		}
	}
	c.state = state
	c.cursor = len(entries)
	return nil
}

// RecordInvocation appends the inbound message to the journal before any
// user code runs.
func (c *Core) RecordInvocation(ctx context.Context, inv Invocation) error {
	c.append(ctx, journal.Entry{
		Type: journal.EntryInvocation,
		Invocation: &journal.InvocationEntry{
			MessageID:     inv.MessageID,
			MessageType:   inv.MessageType,
			CorrelationID: inv.CorrelationID,
			Payload:       inv.Payload,
		},
	})
	return nil
}

// Execute runs the handler forward with the given payload. A returned
// suspension sentinel means the actor yielded durably; it is not a failure.
func (c *Core) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	c.replaying = false
	c.cursor = len(c.entries)
	c.activitySeq = 0
	c.childSeq = c.countChildren(len(c.entries))
	return c.handler(ctx, c, payload)
}

// UpdateState applies fn to a structural copy of the state, computes forward
// and inverse patches, and journals them. During replay the recorded patches
// are applied instead of recomputing.
func (c *Core) UpdateState(ctx context.Context, fn func(draft map[string]any)) error {
	if c.stillReplaying() {
		e, err := c.match(journal.EntryStatePatches, "")
		if err != nil {
			return err
		}
		return applyPatches(c.state, e.StatePatches.Patches)
	}
	draft, err := cloneState(c.state)
	if err != nil {
		return err
	}
	fn(draft)
	forward, inverse, err := diffState(c.state, draft)
	if err != nil {
		return err
	}
	c.state = draft
	// Empty patch sets are journaled too so replay matching stays positional.
	c.append(ctx, journal.Entry{
		Type:         journal.EntryStatePatches,
		StatePatches: &journal.StatePatchesEntry{Patches: forward, Inverse: inverse},
	})
	return nil
}

// CompensateLastStateChange undoes the most recent state change by applying
// its inverse patches, journaling the compensation as a state change of its
// own.
func (c *Core) CompensateLastStateChange(ctx context.Context) error {
	if c.stillReplaying() {
		e, err := c.match(journal.EntryStatePatches, "")
		if err != nil {
			return err
		}
		return applyPatches(c.state, e.StatePatches.Patches)
	}
	var last *journal.StatePatchesEntry
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Type == journal.EntryStatePatches {
			last = c.entries[i].StatePatches
			break
		}
	}
	if last == nil {
		return errors.New("no state change to compensate")
	}
	if err := applyPatches(c.state, last.Inverse); err != nil {
		return err
	}
	c.append(ctx, journal.Entry{
		Type:         journal.EntryStatePatches,
		StatePatches: &journal.StatePatchesEntry{Patches: last.Inverse, Inverse: last.Patches},
	})
	return nil
}

// CallActivity schedules an external activity and suspends. During forward
// execution it journals activity_scheduled and raises ActivitySuspend; during
// replay it matches the recorded entries and returns the recorded result (or
// re-raises the recorded failure). The identifier act-N is deterministic: N
// is a per-invocation monotonic counter reset on replay.
func (c *Core) CallActivity(ctx context.Context, name string, input any) (json.RawMessage, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input for activity %q: %w", name, err)
	}
	c.activitySeq++
	activityID := fmt.Sprintf("act-%d", c.activitySeq)
	if c.stillReplaying() {
		e, merr := c.match(journal.EntryActivityScheduled, "")
		if merr != nil {
			return nil, merr
		}
		if e.Activity.ActivityID != activityID || e.Activity.Name != name {
			return nil, c.mismatch(journal.EntryActivityScheduled, e.Type,
				fmt.Sprintf("scheduled %s (%s), code requested %s (%s)",
					e.Activity.ActivityID, e.Activity.Name, activityID, name))
		}
		if t, ok := c.peek(); ok && t.Activity != nil && t.Activity.ActivityID == activityID {
			switch t.Type {
			case journal.EntryActivityCompleted:
				c.advance()
				return t.Activity.Result, nil
			case journal.EntryActivityFailed:
				c.advance()
				return nil, fmt.Errorf("activity %q failed: %s", name, t.Activity.Error)
			}
		}
		// No terminal entry: replayed up to the live suspension point.
		return nil, &ActivitySuspend{ActivityID: activityID, Name: name, Input: raw}
	}
	c.append(ctx, journal.Entry{
		Type:     journal.EntryActivityScheduled,
		Activity: &journal.ActivityEntry{ActivityID: activityID, Name: name, Input: raw},
	})
	return nil, &ActivitySuspend{ActivityID: activityID, Name: name, Input: raw}
}

// SpawnChild records a deterministic child spawn and hands it to the
// runtime's spawner. The child id derives from the parent id plus a
// monotonic suffix, so replays address the same child.
func (c *Core) SpawnChild(ctx context.Context, actorType string, input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode input for child %q: %w", actorType, err)
	}
	c.childSeq++
	childID := fmt.Sprintf("%s-child-%d", c.actx.ActorID, c.childSeq)
	if c.stillReplaying() {
		e, merr := c.match(journal.EntryChildSpawned, "")
		if merr != nil {
			return "", merr
		}
		if e.Child.ChildID != childID || e.Child.ActorType != actorType {
			return "", c.mismatch(journal.EntryChildSpawned, e.Type,
				fmt.Sprintf("spawned %s (%s), code requested %s (%s)",
					e.Child.ChildID, e.Child.ActorType, childID, actorType))
		}
		return childID, nil
	}
	c.append(ctx, journal.Entry{
		Type:  journal.EntryChildSpawned,
		Child: &journal.ChildEntry{ChildID: childID, ActorType: actorType, Input: raw},
	})
	if c.spawner == nil {
		return "", fmt.Errorf("spawn child %q: no spawner configured", actorType)
	}
	if err := c.spawner.Spawn(ctx, childID, actorType, raw); err != nil {
		return "", fmt.Errorf("spawn child %q: %w", actorType, err)
	}
	return childID, nil
}

// WaitForEvent suspends the actor until an external event of the given type
// is delivered via Resume. During replay the recorded event payload is
// returned.
func (c *Core) WaitForEvent(ctx context.Context, eventType string) (json.RawMessage, error) {
	reason := "awaiting_event:" + eventType
	if c.stillReplaying() {
		e, merr := c.match(journal.EntrySuspended, "")
		if merr != nil {
			return nil, merr
		}
		if e.Suspension.Reason != reason {
			return nil, c.mismatch(journal.EntrySuspended, e.Type,
				fmt.Sprintf("suspended for %q, code awaits %q", e.Suspension.Reason, reason))
		}
		if t, ok := c.peek(); ok && t.Type == journal.EntryEventReceived && t.Event.EventType == eventType {
			c.advance()
			return t.Event.Payload, nil
		}
		return nil, &EventSuspend{EventType: eventType}
	}
	c.append(ctx, journal.Entry{
		Type:       journal.EntrySuspended,
		Suspension: &journal.SuspensionEntry{Reason: reason},
	})
	return nil, &EventSuspend{EventType: eventType}
}

// RecordAudit appends an optional audit lineage entry (decision_made and
// friends). Audit entries never participate in replay matching; replays skip
// them and do not re-record.
func (c *Core) RecordAudit(ctx context.Context, kind journal.EntryType, data any) error {
	if c.stillReplaying() {
		return nil
	}
	e, err := journal.NewAudit(kind, data)
	if err != nil {
		return err
	}
	c.append(ctx, e)
	return nil
}

// Resume delivers an awaited external event and re-runs the handler from the
// beginning of the current invocation so all prior decisions replay
// deterministically up to the new suspension point or completion.
func (c *Core) Resume(ctx context.Context, eventType string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", eventType, err)
	}
	c.append(ctx, journal.Entry{
		Type:  journal.EntryEventReceived,
		Event: &journal.EventEntry{EventType: eventType, Payload: raw},
	})
	return c.replay(ctx)
}

// ResumeWithActivity delivers a successful activity result and replays.
func (c *Core) ResumeWithActivity(ctx context.Context, activityID string, result any) (json.RawMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result for activity %s: %w", activityID, err)
	}
	c.append(ctx, journal.Entry{
		Type:     journal.EntryActivityCompleted,
		Activity: &journal.ActivityEntry{ActivityID: activityID, Result: raw},
	})
	return c.replay(ctx)
}

// ResumeWithActivityError delivers a terminal activity failure and replays.
func (c *Core) ResumeWithActivityError(ctx context.Context, activityID, message string) (json.RawMessage, error) {
	c.append(ctx, journal.Entry{
		Type:     journal.EntryActivityFailed,
		Activity: &journal.ActivityEntry{ActivityID: activityID, Error: message},
	})
	return c.replay(ctx)
}

// CompactJournal snapshots the current state and trims the journal when the
// compaction threshold is reached. Compaction is advisory: persistence
// failures are logged and swallowed. Must not be called while the actor is
// suspended; the trailing journal is what a resume replays.
func (c *Core) CompactJournal(ctx context.Context) error {
	threshold := c.cfg.JournalCompactionThreshold
	if threshold <= 0 || len(c.entries) < threshold {
		return nil
	}
	if c.compacting || c.now().Sub(c.lastCompaction) < compactionCooldown {
		return nil
	}
	c.compacting = true
	defer func() { c.compacting = false }()

	raw, err := json.Marshal(c.state)
	if err != nil {
		return fmt.Errorf("encode state for snapshot: %w", err)
	}
	snap := journal.Snapshot{State: raw, Cursor: len(c.entries), Timestamp: c.now().UTC()}
	if err := c.store.SaveSnapshot(ctx, c.actx.ActorID, snap); err != nil {
		c.logger.Warn(ctx, "journal compaction: snapshot failed",
			"actor_id", c.actx.ActorID, "err", err.Error())
		return nil
	}
	if err := c.store.TrimEntries(ctx, c.actx.ActorID, len(c.entries)); err != nil {
		c.logger.Warn(ctx, "journal compaction: trim failed",
			"actor_id", c.actx.ActorID, "err", err.Error())
		return nil
	}
	base, err := cloneState(c.state)
	if err != nil {
		return err
	}
	c.base = base
	c.entries = nil
	c.cursor = 0
	c.lastCompaction = c.now()
	c.metrics.IncCounter(telemetry.MetricCompactions, 1, "actor_type", c.actx.ActorType)
	return nil
}

// replay re-runs the handler for the last recorded invocation with replay
// matching enabled. State is rebuilt from the snapshot base plus the patches
// recorded before that invocation; patches past it reapply as the handler
// matches them.
func (c *Core) replay(ctx context.Context) (json.RawMessage, error) {
	start := time.Now()
	inv := c.lastInvocationIndex()
	if inv < 0 {
		return nil, fmt.Errorf("replay actor %s: no invocation recorded", c.actx.ActorID)
	}
	state, err := cloneState(c.base)
	if err != nil {
		return nil, err
	}
	for _, e := range c.entries[:inv] {
		if e.Type != journal.EntryStatePatches {
			continue
		}
		if err := applyPatches(state, e.StatePatches.Patches); err != nil {
			return nil, fmt.Errorf("replay actor %s: %w", c.actx.ActorID, err)
		}
	}
	c.state = state
	c.cursor = inv + 1
	c.activitySeq = 0
	c.childSeq = c.countChildren(inv)
	c.replaying = true
	defer func() { c.replaying = false }()

	out, err := c.handler(ctx, c, c.entries[inv].Invocation.Payload)
	c.metrics.RecordTimer(telemetry.MetricReplayDuration, time.Since(start), "actor_type", c.actx.ActorType)
	return out, err
}

// append records the entry in memory and persists it. Persistence failures
// are logged, not surfaced: the in-memory journal remains authoritative for
// this instance's lifetime and the next activation re-reads the store.
func (c *Core) append(ctx context.Context, e journal.Entry) {
	e.Timestamp = time.Now().UTC()
	c.entries = append(c.entries, e)
	if err := c.store.AppendEntry(ctx, c.actx.ActorID, e); err != nil {
		c.logger.Warn(ctx, "journal append failed",
			"actor_id", c.actx.ActorID, "entry_type", string(e.Type), "err", err.Error())
	}
	c.metrics.IncCounter(telemetry.MetricJournalEntries, 1, "entry_type", string(e.Type))
}

// stillReplaying reports whether replay matching is active, flipping to
// forward execution once the cursor passes the journal end.
func (c *Core) stillReplaying() bool {
	if c.replaying && c.cursor >= len(c.entries) {
		c.replaying = false
	}
	return c.replaying
}

// match consumes the next non-audit entry, requiring the expected type.
func (c *Core) match(expected journal.EntryType, detail string) (journal.Entry, error) {
	for c.cursor < len(c.entries) && c.entries[c.cursor].IsAudit() {
		c.cursor++
	}
	if c.cursor >= len(c.entries) {
		return journal.Entry{}, c.mismatch(expected, "", "end of journal")
	}
	e := c.entries[c.cursor]
	if e.Type != expected {
		return journal.Entry{}, c.mismatch(expected, e.Type, detail)
	}
	c.cursor++
	if c.cursor >= len(c.entries) {
		c.replaying = false
	}
	return e, nil
}

// peek returns the next non-audit entry without consuming it.
func (c *Core) peek() (journal.Entry, bool) {
	i := c.cursor
	for i < len(c.entries) && c.entries[i].IsAudit() {
		i++
	}
	if i >= len(c.entries) {
		return journal.Entry{}, false
	}
	return c.entries[i], true
}

// advance consumes through the next non-audit entry.
func (c *Core) advance() {
	for c.cursor < len(c.entries) && c.entries[c.cursor].IsAudit() {
		c.cursor++
	}
	if c.cursor < len(c.entries) {
		c.cursor++
	}
	if c.cursor >= len(c.entries) {
		c.replaying = false
	}
}

func (c *Core) mismatch(expected, recorded journal.EntryType, detail string) error {
	return &ReplayMismatchError{
		ActorID:  c.actx.ActorID,
		Cursor:   c.cursor,
		Expected: expected,
		Recorded: recorded,
		Detail:   detail,
	}
}

// countChildren returns the number of child_spawned entries before index n,
// seeding the deterministic child id counter.
func (c *Core) countChildren(n int) int {
	count := 0
	for _, e := range c.entries[:n] {
		if e.Type == journal.EntryChildSpawned {
			count++
		}
	}
	return count
}

// lastInvocationIndex returns the index of the most recent invocation entry,
// or -1.
func (c *Core) lastInvocationIndex() int {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Type == journal.EntryInvocation {
			return i
		}
	}
	return -1
}
