// Package pulse provides the production streaming transport on
// goa.design/pulse streams. Producers publish chunks with Pulse's stream Add;
// readers replay the underlying Redis stream from "0" with XRANGE so any
// number of consumers can iterate the same sequence independently.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/loomhq/loom/runtime/stream"
)

type (
	// Options configures the Pulse streaming transport.
	Options struct {
		// Redis is the Redis connection backing Pulse streams. Required.
		Redis *redis.Client
		// StreamPrefix namespaces stream names. Defaults to "loom-stream".
		StreamPrefix string
		// TerminalTTL is the expiry applied to a stream once it terminates.
		// Defaults to 5 minutes.
		TerminalTTL time.Duration
		// PollInterval paces the reader's tail-follow loop. Defaults to
		// 100ms.
		PollInterval time.Duration
	}

	// Transport implements stream.Factory and stream.Reader on Pulse.
	Transport struct {
		rdb          *redis.Client
		prefix       string
		terminalTTL  time.Duration
		pollInterval time.Duration
	}

	// producer writes one sequence to a Pulse stream.
	producer struct {
		t        *Transport
		streamID string
		pstream  *streaming.Stream

		mu   sync.Mutex
		done bool
	}
)

// chunkEvent is the Pulse event name used for all chunk payloads.
const chunkEvent = "chunk"

var (
	_ stream.Factory = (*Transport)(nil)
	_ stream.Reader  = (*Transport)(nil)
)

// ErrStreamDone is returned when publishing to a terminated sequence.
var ErrStreamDone = errors.New("stream already terminated")

// New returns a Transport backed by Pulse over the given Redis connection.
func New(opts Options) (*Transport, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = "loom-stream"
	}
	ttl := opts.TerminalTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Transport{rdb: opts.Redis, prefix: prefix, terminalTTL: ttl, pollInterval: poll}, nil
}

// Producer implements stream.Factory.
func (t *Transport) Producer(streamID string) (stream.Producer, error) {
	if streamID == "" {
		return nil, errors.New("stream id is required")
	}
	pstream, err := streaming.NewStream(t.streamName(streamID), t.rdb)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &producer{t: t, streamID: streamID, pstream: pstream}, nil
}

// Publish implements stream.Producer.
func (p *producer) Publish(ctx context.Context, chunk stream.Chunk) error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return ErrStreamDone
	}
	terminal := chunk.Terminal()
	if terminal {
		p.done = true
	}
	p.mu.Unlock()

	chunk.StreamID = p.streamID
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := p.pstream.Add(ctx, chunkEvent, payload); err != nil {
		return fmt.Errorf("publish chunk: %w", err)
	}
	if terminal {
		// Terminal chunk: let the transport reclaim the stream after the TTL.
		key := p.t.redisStreamKey(p.streamID)
		if err := p.t.rdb.Expire(ctx, key, p.t.terminalTTL).Err(); err != nil {
			return fmt.Errorf("set stream ttl: %w", err)
		}
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

// Read implements stream.Reader. It replays the underlying Redis stream from
// "0" and then follows the tail until a terminal chunk arrives or ctx is
// done. Every call replays independently.
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
	key := t.redisStreamKey(streamID)
	lastID := "0"
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		msgs, err := t.rdb.XRange(ctx, key, nextID(lastID), "+").Result()
		if err != nil {
			return
		}
		for _, msg := range msgs {
			lastID = msg.ID
			chunk, ok := decodeChunk(msg)
			if !ok {
				continue
			}
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

func (t *Transport) streamName(streamID string) string {
	return fmt.Sprintf("%s/%s", t.prefix, streamID)
}

// redisStreamKey returns the Redis key Pulse uses for a stream. Pulse
// prefixes stream keys with "pulse:stream:".
func (t *Transport) redisStreamKey(streamID string) string {
	return fmt.Sprintf("pulse:stream:%s", t.streamName(streamID))
}

// nextID returns the exclusive-range start following a stream id. "0" means
// replay from the beginning.
func nextID(lastID string) string {
	if lastID == "0" {
		return "-"
	}
	return "(" + lastID
}

func decodeChunk(msg redis.XMessage) (stream.Chunk, bool) {
	// Pulse stores the event payload under the "payload" field.
	raw, ok := msg.Values["payload"]
	if !ok {
		return stream.Chunk{}, false
	}
	str, ok := raw.(string)
	if !ok {
		return stream.Chunk{}, false
	}
	var chunk stream.Chunk
	if err := json.Unmarshal([]byte(str), &chunk); err != nil {
		return stream.Chunk{}, false
	}
	return chunk, true
}
