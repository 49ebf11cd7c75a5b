// Package stream provides the lazy chunk sequences used to deliver progress
// and incremental output from running actors to clients.
//
// A producer writes start/progress/data chunks to a shared transport and
// terminates the sequence with complete or error; consumers iterate the
// sequence as a channel. Streams are replayable: a consumer may start from
// the beginning at any time, and multiple consumers read the same stream
// independently. The pulse subpackage provides the Redis-stream transport;
// inmem provides the test double.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// ChunkKind tags a chunk variant.
	ChunkKind string

	// Chunk is one element of a stream sequence.
	Chunk struct {
		// Kind identifies the chunk variant.
		Kind ChunkKind `json:"kind"`
		// StreamID names the sequence the chunk belongs to.
		StreamID string `json:"stream_id"`
		// Timestamp records when the chunk was produced (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Progress is populated on progress chunks.
		Progress *Progress `json:"progress,omitempty"`
		// Data is the JSON-encoded payload of data chunks.
		Data json.RawMessage `json:"data,omitempty"`
		// Error carries the failure message of error chunks.
		Error string `json:"error,omitempty"`
	}

	// Progress reports partial completion.
	Progress struct {
		// Current and Total bound the work done so far.
		Current int `json:"current"`
		Total   int `json:"total,omitempty"`
		// Message is an optional human-readable note.
		Message string `json:"message,omitempty"`
	}

	// Producer writes one stream sequence. After Complete or Fail, further
	// publishes return an error.
	Producer interface {
		// Publish appends a chunk to the sequence.
		Publish(ctx context.Context, chunk Chunk) error

		// Complete terminates the sequence successfully and schedules its
		// expiry on the transport.
		Complete(ctx context.Context) error

		// Fail terminates the sequence with the error and schedules its
		// expiry on the transport.
		Fail(ctx context.Context, err error) error
	}

	// Reader consumes stream sequences lazily.
	Reader interface {
		// Read returns the sequence for the stream id from its beginning.
		// The channel closes after a terminal chunk or when ctx is done.
		// Each call replays independently; concurrent readers do not affect
		// one another.
		Read(ctx context.Context, streamID string) (<-chan Chunk, error)
	}

	// Factory opens producers by stream id.
	Factory interface {
		// Producer returns a producer for the stream id, creating the
		// underlying transport stream if needed.
		Producer(streamID string) (Producer, error)
	}
)

const (
	// ChunkStart opens a sequence.
	ChunkStart ChunkKind = "start"
	// ChunkProgress reports partial completion.
	ChunkProgress ChunkKind = "progress"
	// ChunkData carries payload.
	ChunkData ChunkKind = "data"
	// ChunkComplete terminates a sequence successfully.
	ChunkComplete ChunkKind = "complete"
	// ChunkError terminates a sequence with a failure.
	ChunkError ChunkKind = "error"
)

// Terminal reports whether the chunk ends its sequence.
func (c Chunk) Terminal() bool {
	return c.Kind == ChunkComplete || c.Kind == ChunkError
}

// Run brackets fn with the default actor stream protocol: a start chunk
// before fn, then complete on success or error on failure. The error from fn
// is returned unchanged; transport failures are ignored so streaming can
// never break execution.
func Run(ctx context.Context, p Producer, streamID string, fn func() error) error {
	if p == nil {
		return fn()
	}
	_ = p.Publish(ctx, Chunk{Kind: ChunkStart, StreamID: streamID})
	if err := fn(); err != nil {
		_ = p.Fail(ctx, err)
		return err
	}
	_ = p.Complete(ctx)
	return nil
}
