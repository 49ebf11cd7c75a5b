package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/stream"
)

func collect(t *testing.T, ch <-chan stream.Chunk) []stream.Chunk {
	t.Helper()
	var out []stream.Chunk
	deadline := time.After(time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestProducerRequiresStreamID(t *testing.T) {
	_, err := New().Producer("")
	require.Error(t, err)
}

func TestPublishAndReadSequence(t *testing.T) {
	ctx := context.Background()
	tr := New()
	p, err := tr.Producer("run-1")
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, stream.Chunk{Kind: stream.ChunkStart}))
	require.NoError(t, p.Publish(ctx, stream.Chunk{
		Kind:     stream.ChunkProgress,
		Progress: &stream.Progress{Current: 1, Total: 3},
	}))
	require.NoError(t, p.Publish(ctx, stream.Chunk{
		Kind: stream.ChunkData,
		Data: json.RawMessage(`{"partial":"x"}`),
	}))
	require.NoError(t, p.Complete(ctx))

	ch, err := tr.Read(ctx, "run-1")
	require.NoError(t, err)
	chunks := collect(t, ch)
	require.Len(t, chunks, 4)
	assert.Equal(t, stream.ChunkStart, chunks[0].Kind)
	assert.Equal(t, stream.ChunkProgress, chunks[1].Kind)
	assert.Equal(t, 1, chunks[1].Progress.Current)
	assert.Equal(t, stream.ChunkData, chunks[2].Kind)
	assert.Equal(t, stream.ChunkComplete, chunks[3].Kind)
	for _, chunk := range chunks {
		assert.Equal(t, "run-1", chunk.StreamID)
		assert.False(t, chunk.Timestamp.IsZero())
	}
}

func TestPublishAfterTerminalFails(t *testing.T) {
	ctx := context.Background()
	tr := New()
	p, err := tr.Producer("run-1")
	require.NoError(t, err)

	require.NoError(t, p.Fail(ctx, errors.New("boom")))
	require.Error(t, p.Publish(ctx, stream.Chunk{Kind: stream.ChunkData}))
	require.Error(t, p.Complete(ctx))
}

func TestReadFollowsLiveProducer(t *testing.T) {
	ctx := context.Background()
	tr := New()
	p, err := tr.Producer("run-1")
	require.NoError(t, err)

	ch, err := tr.Read(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, stream.Chunk{Kind: stream.ChunkStart}))
	require.NoError(t, p.Publish(ctx, stream.Chunk{Kind: stream.ChunkData, Data: json.RawMessage(`1`)}))
	require.NoError(t, p.Complete(ctx))

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, stream.ChunkComplete, chunks[2].Kind)
}

func TestConcurrentReadersReplayIndependently(t *testing.T) {
	ctx := context.Background()
	tr := New()
	p, err := tr.Producer("run-1")
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, stream.Chunk{Kind: stream.ChunkStart}))
	require.NoError(t, p.Complete(ctx))

	first, err := tr.Read(ctx, "run-1")
	require.NoError(t, err)
	second, err := tr.Read(ctx, "run-1")
	require.NoError(t, err)

	a := collect(t, first)
	b := collect(t, second)
	require.Len(t, a, 2)
	assert.Equal(t, a, b)
}

func TestReadStopsOnContextCancel(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := tr.Read(ctx, "never-written")
	require.NoError(t, err)
	cancel()

	chunks := collect(t, ch)
	assert.Empty(t, chunks)
}
