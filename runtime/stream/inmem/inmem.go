// Package inmem provides an in-memory streaming transport for tests and
// local development. Sequences are replayable: every Read starts from the
// beginning regardless of other consumers.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loomhq/loom/runtime/stream"
)

type (
	// Transport implements stream.Factory and stream.Reader in memory.
	Transport struct {
		mu      sync.Mutex
		streams map[string]*sequence
	}

	sequence struct {
		chunks []stream.Chunk
		done   bool
	}

	producer struct {
		t        *Transport
		streamID string
	}
)

// pollInterval paces reader tail-follow loops.
const pollInterval = 5 * time.Millisecond

var (
	_ stream.Factory = (*Transport)(nil)
	_ stream.Reader  = (*Transport)(nil)
)

// New returns a new in-memory streaming transport.
func New() *Transport {
	return &Transport{streams: make(map[string]*sequence)}
}

// Producer implements stream.Factory.
func (t *Transport) Producer(streamID string) (stream.Producer, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	return &producer{t: t, streamID: streamID}, nil
}

// Publish implements stream.Producer.
func (p *producer) Publish(_ context.Context, chunk stream.Chunk) error {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	seq, ok := p.t.streams[p.streamID]
	if !ok {
		seq = &sequence{}
		p.t.streams[p.streamID] = seq
	}
	if seq.done {
		return errors.New("stream already terminated")
	}
	chunk.StreamID = p.streamID
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now().UTC()
	}
	seq.chunks = append(seq.chunks, chunk)
	if chunk.Terminal() {
		seq.done = true
	}
	return nil
}

// Complete implements stream.Producer.
func (p *producer) Complete(ctx context.Context) error {
	return p.Publish(ctx, stream.Chunk{Kind: stream.ChunkComplete})
}

// Fail implements stream.Producer.
func (p *producer) Fail(ctx context.Context, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return p.Publish(ctx, stream.Chunk{Kind: stream.ChunkError, Error: msg})
}

// Read implements stream.Reader.
func (t *Transport) Read(ctx context.Context, streamID string) (<-chan stream.Chunk, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	out := make(chan stream.Chunk)
	go t.follow(ctx, streamID, out)
	return out, nil
}

func (t *Transport) follow(ctx context.Context, streamID string, out chan<- stream.Chunk) {
	defer close(out)
	next := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		var pending []stream.Chunk
		if seq, ok := t.streams[streamID]; ok && next < len(seq.chunks) {
			pending = append(pending, seq.chunks[next:]...)
			next = len(seq.chunks)
		}
		t.mu.Unlock()
		for _, chunk := range pending {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Terminal() {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
