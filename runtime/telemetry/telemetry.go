// Package telemetry integrates runtime events with Clue logging and OTEL
// metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span. Uses OTEL option types for type
// safety.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the runtime. Tag dimensions are documented per
// metric.
const (
	// MetricMessagesProcessed counts dequeued messages by actor_type and
	// outcome (completed, failed, retried, dead_lettered, deduplicated).
	MetricMessagesProcessed = "loom.messages.processed"
	// MetricMessageDuration times handler execution by actor_type.
	MetricMessageDuration = "loom.message.duration"
	// MetricJournalEntries counts appended journal entries by entry_type.
	MetricJournalEntries = "loom.journal.entries"
	// MetricReplayDuration times journal replays by actor_type.
	MetricReplayDuration = "loom.replay.duration"
	// MetricCompactions counts journal compactions by actor_type.
	MetricCompactions = "loom.journal.compactions"
	// MetricLockContention counts lock acquisitions lost to another holder.
	MetricLockContention = "loom.lock.contention"
	// MetricActiveActors gauges resident actor instances by actor_type.
	MetricActiveActors = "loom.actors.active"
	// MetricQueueDepth gauges ready messages by queue.
	MetricQueueDepth = "loom.queue.depth"
)
