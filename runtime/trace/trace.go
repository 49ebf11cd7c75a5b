// Package trace defines the reference-based observability substrate. Span
// events carry pointers into journals, state, messages, and idempotency
// records instead of duplicating payloads, so a trace stays cheap no matter
// how large the data flowing through the runtime is.
//
// Emission must never disturb user code: Writer.Emit swallows sink failures
// with a warning log. Queries run against a document store partitioned by
// trace id; the mongo subpackage provides the production implementation and
// inmem the test double.
package trace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

type (
	// Span is one reference-bearing trace event.
	Span struct {
		// TraceID partitions the event; all events of one logical flow share it.
		TraceID string `json:"trace_id" bson:"trace_id"`
		// SpanID uniquely identifies the event.
		SpanID string `json:"span_id" bson:"span_id"`
		// ParentSpanID links to the enclosing span, when any.
		ParentSpanID string `json:"parent_span_id,omitempty" bson:"parent_span_id,omitempty"`
		// EventType names the observed boundary (e.g. "message_deduplicated",
		// "actor_execute", "activity_scheduled").
		EventType string `json:"event_type" bson:"event_type"`
		// Timestamp records when the event occurred (UTC).
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
		// Status is "ok", "error", or empty when not applicable.
		Status string `json:"status,omitempty" bson:"status,omitempty"`
		// Refs points at the data the event observed.
		Refs *Refs `json:"refs,omitempty" bson:"refs,omitempty"`
		// Metadata carries small scalar annotations.
		Metadata map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
		// Tags label the event for cross-trace filtering.
		Tags []string `json:"tags,omitempty" bson:"tags,omitempty"`
	}

	// Refs are pointers into runtime stores. Every field is optional; none
	// duplicates payload bytes.
	Refs struct {
		// ActorState points at the actor whose state the event concerns.
		ActorState *ActorStateRef `json:"actor_state,omitempty" bson:"actor_state,omitempty"`
		// JournalEntry points at one journal entry by position.
		JournalEntry *JournalEntryRef `json:"journal_entry,omitempty" bson:"journal_entry,omitempty"`
		// Message points at a queue message.
		Message *MessageRef `json:"message,omitempty" bson:"message,omitempty"`
		// Idempotency points at an idempotency record.
		Idempotency *IdempotencyRef `json:"idempotency,omitempty" bson:"idempotency,omitempty"`
	}

	// ActorStateRef locates an actor's state blob.
	ActorStateRef struct {
		ActorID   string `json:"actor_id" bson:"actor_id"`
		ActorType string `json:"actor_type,omitempty" bson:"actor_type,omitempty"`
	}

	// JournalEntryRef locates one journal entry.
	JournalEntryRef struct {
		ActorID    string `json:"actor_id" bson:"actor_id"`
		EntryIndex int    `json:"entry_index" bson:"entry_index"`
		EntryType  string `json:"entry_type" bson:"entry_type"`
	}

	// MessageRef locates a queue message.
	MessageRef struct {
		MessageID     string `json:"message_id" bson:"message_id"`
		QueueName     string `json:"queue_name,omitempty" bson:"queue_name,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	}

	// IdempotencyRef locates an idempotency record.
	IdempotencyRef struct {
		Key     string `json:"key" bson:"key"`
		ActorID string `json:"actor_id,omitempty" bson:"actor_id,omitempty"`
	}

	// Filter selects spans across traces.
	Filter struct {
		// From and To bound the time range; zero values are open ends.
		From time.Time
		To   time.Time
		// Status filters by span status when non-empty.
		Status string
		// EventType filters by event type when non-empty.
		EventType string
		// Limit caps the result size; zero means implementation default.
		Limit int
	}

	// Sink persists span events. Implementations may fail; the Writer is
	// responsible for keeping those failures away from user code.
	Sink interface {
		// Append persists one span event.
		Append(ctx context.Context, span Span) error
	}

	// Reader queries persisted span events.
	Reader interface {
		// Trace returns all events for the trace id ordered by timestamp.
		Trace(ctx context.Context, traceID string) ([]Span, error)

		// EventsByType returns the trace's events of one type, ordered by
		// timestamp.
		EventsByType(ctx context.Context, traceID, eventType string) ([]Span, error)

		// Failures returns the trace's events with status "error".
		Failures(ctx context.Context, traceID string) ([]Span, error)

		// Query returns events across traces matching the filter, ordered by
		// timestamp.
		Query(ctx context.Context, f Filter) ([]Span, error)
	}

	// Writer emits span events without ever surfacing sink failures to the
	// caller. A nil Writer is valid and drops everything.
	Writer struct {
		sink Sink
	}
)

// Span statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// NewWriter returns a Writer over the sink. A nil sink yields a Writer that
// drops all events.
func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink}
}

// Emit persists the span, assigning SpanID and Timestamp when unset. Sink
// failures are swallowed with a warning; Emit never returns an error and
// never panics into user code.
func (w *Writer) Emit(ctx context.Context, span Span) {
	if w == nil || w.sink == nil {
		return
	}
	if span.SpanID == "" {
		span.SpanID = uuid.New().String()
	}
	if span.Timestamp.IsZero() {
		span.Timestamp = time.Now().UTC()
	}
	if err := w.sink.Append(ctx, span); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "trace emission failed"},
			log.KV{K: "trace_id", V: span.TraceID},
			log.KV{K: "event_type", V: span.EventType},
			log.KV{K: "err", V: err.Error()})
	}
}
