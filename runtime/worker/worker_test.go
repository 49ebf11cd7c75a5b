package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/actor"
	"github.com/loomhq/loom/runtime/actor/config"
	"github.com/loomhq/loom/runtime/actorruntime"
	idemmem "github.com/loomhq/loom/runtime/idempotency/inmem"
	journalmem "github.com/loomhq/loom/runtime/journal/inmem"
	lockmem "github.com/loomhq/loom/runtime/lock/inmem"
	"github.com/loomhq/loom/runtime/queue"
	queuemem "github.com/loomhq/loom/runtime/queue/inmem"
	"github.com/loomhq/loom/runtime/stream"
	streammem "github.com/loomhq/loom/runtime/stream/inmem"
	"github.com/loomhq/loom/runtime/trace"
	tracemem "github.com/loomhq/loom/runtime/trace/inmem"
)

const testQueue = "loom-test"

type fixture struct {
	queue   *queuemem.Queue
	runtime *actorruntime.Runtime
	idem    *idemmem.Store
	locks   *lockmem.Manager
	spans   *tracemem.Store
	worker  *Worker
}

func newFixture(t *testing.T, streams stream.Factory) *fixture {
	t.Helper()
	q := queuemem.New()
	locks := lockmem.New()
	r, err := actorruntime.New(actorruntime.Options{
		Journal: journalmem.New(),
		Locks:   locks,
	})
	require.NoError(t, err)
	idem := idemmem.New()
	spans := tracemem.New()
	w, err := New(Options{
		Queue:       q,
		QueueName:   testQueue,
		Runtime:     r,
		Idempotency: idem,
		Tracer:      trace.NewWriter(spans),
		Streams:     streams,
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return &fixture{queue: q, runtime: r, idem: idem, locks: locks, spans: spans, worker: w}
}

func (f *fixture) enqueue(t *testing.T, msg queue.Message) {
	t.Helper()
	require.NoError(t, f.queue.Enqueue(context.Background(), testQueue, msg, queue.EnqueueOptions{}))
}

func (f *fixture) processOne(t *testing.T) {
	t.Helper()
	ok, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func boolPtr(b bool) *bool { return &b }

func TestNewValidatesOptions(t *testing.T) {
	q := queuemem.New()
	r, err := actorruntime.New(actorruntime.Options{Journal: journalmem.New(), Locks: lockmem.New()})
	require.NoError(t, err)

	_, err = New(Options{QueueName: testQueue, Runtime: r})
	require.EqualError(t, err, "queue is required")
	_, err = New(Options{Queue: q, Runtime: r})
	require.EqualError(t, err, "queue name is required")
	_, err = New(Options{Queue: q, QueueName: testQueue})
	require.EqualError(t, err, "runtime is required")
}

func TestProcessInvocationAcks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type: "echo",
		Handler: func(_ context.Context, _ *actor.Core, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		},
	}))

	f.enqueue(t, queue.Message{
		ID: "m-1", ActorID: "e-1", ActorType: "echo",
		MessageType: "greet", Payload: json.RawMessage(`"hi"`),
	})
	f.processOne(t)

	job, err := f.queue.Job(ctx, testQueue, "m-1")
	require.NoError(t, err)
	assert.Equal(t, queue.JobCompleted, job.Status)
}

func TestUnknownActorTypeDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.enqueue(t, queue.Message{ID: "m-1", ActorID: "g-1", ActorType: "ghost"})
	f.processOne(t)

	dead, err := f.queue.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m-1", dead[0].Message.ID)
}

func TestIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var executions atomic.Int32
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type: "charge",
		Handler: func(_ context.Context, _ *actor.Core, payload json.RawMessage) (json.RawMessage, error) {
			executions.Add(1)
			return payload, nil
		},
	}))

	msg := queue.Message{
		ID: "m-1", ActorID: "c-1", ActorType: "charge",
		CorrelationID: "t-1", Payload: json.RawMessage(`{"amount":42}`),
	}
	msg.Metadata.IdempotencyKey = "charge-42"
	f.enqueue(t, msg)
	f.processOne(t)

	rec, err := f.idem.Get(ctx, "charge-42")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c-1", rec.ActorID)
	assert.JSONEq(t, `{"amount":42}`, string(rec.Result))

	// A redelivery under the same key is acknowledged without re-invoking the
	// handler, and the short-circuit leaves a trace event behind.
	redelivery := msg
	redelivery.ID = "m-2"
	f.enqueue(t, redelivery)
	f.processOne(t)

	assert.Equal(t, int32(1), executions.Load())
	spans, err := f.spans.EventsByType(ctx, "t-1", "message_deduplicated")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.NotNil(t, spans[0].Refs)
	require.NotNil(t, spans[0].Refs.Idempotency)
	assert.Equal(t, "charge-42", spans[0].Refs.Idempotency.Key)
	assert.Equal(t, "m-2", spans[0].Refs.Message.MessageID)

	job, err := f.queue.Job(ctx, testQueue, "m-2")
	require.NoError(t, err)
	assert.Equal(t, queue.JobCompleted, job.Status)
}

func TestFailureRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := config.Default()
	cfg.RetryPolicy.MaxAttempts = 2
	cfg.RetryPolicy.Backoff = config.BackoffFixed
	cfg.RetryPolicy.InitialDelay = time.Second
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type:   "flaky",
		Config: cfg,
		Handler: func(_ context.Context, _ *actor.Core, _ json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}))

	now := time.Now()
	f.queue.SetClock(func() time.Time { return now })

	f.enqueue(t, queue.Message{ID: "m-1", ActorID: "f-1", ActorType: "flaky"})
	f.processOne(t)

	// First attempt failed; the message is delayed per the fixed backoff.
	stats, err := f.queue.Stats(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	now = now.Add(2 * time.Second)
	f.processOne(t)

	dead, err := f.queue.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead[0].Error)

	failures, err := f.spans.Failures(ctx, "")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "message_dead_lettered", failures[0].EventType)
}

func TestLockContentionPreservesRetryBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := config.Default()
	cfg.RetryPolicy.MaxAttempts = 3
	cfg.RetryPolicy.Backoff = config.BackoffFixed
	cfg.RetryPolicy.InitialDelay = time.Second
	var executions atomic.Int32
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type:   "flaky",
		Config: cfg,
		Handler: func(_ context.Context, _ *actor.Core, _ json.RawMessage) (json.RawMessage, error) {
			executions.Add(1)
			return nil, errors.New("boom")
		},
	}))

	// Another worker holds the actor lock, so the first deliveries bounce
	// before the handler runs.
	held, err := f.locks.Acquire(ctx, "actor:f-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	now := time.Now()
	f.queue.SetClock(func() time.Time { return now })

	f.enqueue(t, queue.Message{ID: "m-1", ActorID: "f-1", ActorType: "flaky"})
	for i := 0; i < 3; i++ {
		f.processOne(t)
		now = now.Add(time.Second)
	}
	require.Zero(t, executions.Load())

	require.NoError(t, f.locks.Release(ctx, held))

	// Contended deliveries did not consume the retry budget: the actor still
	// gets its full MaxAttempts of real executions before dead-lettering.
	f.processOne(t)
	assert.Equal(t, int32(1), executions.Load())
	dead, err := f.queue.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	now = now.Add(2 * time.Second)
	f.processOne(t)
	assert.Equal(t, int32(2), executions.Load())

	now = now.Add(2 * time.Second)
	f.processOne(t)
	assert.Equal(t, int32(3), executions.Load())
	dead, err = f.queue.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m-1", dead[0].Message.ID)
	assert.Equal(t, "boom", dead[0].Error)
}

func TestTerminalFailureDroppedWithoutDLQ(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := config.Default()
	cfg.RetryPolicy.MaxAttempts = 1
	cfg.DeadLetterQueue = boolPtr(false)
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type:   "besteffort",
		Config: cfg,
		Handler: func(_ context.Context, _ *actor.Core, _ json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}))

	f.enqueue(t, queue.Message{ID: "m-1", ActorID: "b-1", ActorType: "besteffort"})
	f.processOne(t)

	dead, err := f.queue.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
	job, err := f.queue.Job(ctx, testQueue, "m-1")
	require.NoError(t, err)
	assert.Equal(t, queue.JobCompleted, job.Status)
}

func TestSuspensionAcksAndResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type: "summer",
		Handler: func(ctx context.Context, c *actor.Core, payload json.RawMessage) (json.RawMessage, error) {
			return c.CallActivity(ctx, "sum", payload)
		},
	}))

	f.enqueue(t, queue.Message{
		ID: "m-1", ActorID: "s-1", ActorType: "summer",
		Payload: json.RawMessage(`{"a":3,"b":4}`),
	})
	f.processOne(t)

	// The suspension is a durable yield, not a failure: the message is done.
	job, err := f.queue.Job(ctx, testQueue, "m-1")
	require.NoError(t, err)
	assert.Equal(t, queue.JobCompleted, job.Status)

	resume, err := json.Marshal(ResumePayload{ActivityID: "act-1", Result: json.RawMessage(`7`)})
	require.NoError(t, err)
	f.enqueue(t, queue.Message{
		ID: "m-2", ActorID: "s-1", ActorType: "summer",
		MessageType: MessageTypeActivityResult, Payload: resume,
	})
	f.processOne(t)

	job, err = f.queue.Job(ctx, testQueue, "m-2")
	require.NoError(t, err)
	assert.Equal(t, queue.JobCompleted, job.Status)
}

func TestEventMessageResumesWaiter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type: "waiter",
		Handler: func(ctx context.Context, c *actor.Core, _ json.RawMessage) (json.RawMessage, error) {
			return c.WaitForEvent(ctx, "settled")
		},
	}))

	f.enqueue(t, queue.Message{ID: "m-1", ActorID: "w-1", ActorType: "waiter"})
	f.processOne(t)

	event, err := json.Marshal(EventPayload{EventType: "settled", Data: json.RawMessage(`{"txn":"t-9"}`)})
	require.NoError(t, err)
	f.enqueue(t, queue.Message{
		ID: "m-2", ActorID: "w-1", ActorType: "waiter",
		MessageType: MessageTypeEvent, Payload: event,
	})
	f.processOne(t)

	job, err := f.queue.Job(ctx, testQueue, "m-2")
	require.NoError(t, err)
	assert.Equal(t, queue.JobCompleted, job.Status)
}

func TestStreamBracketsInvocation(t *testing.T) {
	ctx := context.Background()
	streams := streammem.New()
	f := newFixture(t, streams)
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type: "echo",
		Handler: func(_ context.Context, _ *actor.Core, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		},
	}))

	f.enqueue(t, queue.Message{
		ID: "m-1", ActorID: "e-1", ActorType: "echo",
		CorrelationID: "t-1", Payload: json.RawMessage(`"hi"`),
	})
	f.processOne(t)

	ch, err := streams.Read(ctx, "t-1")
	require.NoError(t, err)
	var kinds []stream.ChunkKind
	for chunk := range ch {
		kinds = append(kinds, chunk.Kind)
	}
	assert.Equal(t, []stream.ChunkKind{stream.ChunkStart, stream.ChunkComplete}, kinds)
}

func TestStreamErrorOnFailure(t *testing.T) {
	ctx := context.Background()
	streams := streammem.New()
	f := newFixture(t, streams)
	cfg := config.Default()
	cfg.RetryPolicy.MaxAttempts = 1
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type:   "flaky",
		Config: cfg,
		Handler: func(_ context.Context, _ *actor.Core, _ json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}))

	f.enqueue(t, queue.Message{
		ID: "m-1", ActorID: "f-1", ActorType: "flaky", CorrelationID: "t-err",
	})
	f.processOne(t)

	ch, err := streams.Read(ctx, "t-err")
	require.NoError(t, err)
	var last stream.Chunk
	for chunk := range ch {
		last = chunk
	}
	assert.Equal(t, stream.ChunkError, last.Kind)
	assert.Equal(t, "boom", last.Error)
}

func TestTimeoutFailsInvocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	cfg := config.Default()
	cfg.Timeout = 10 * time.Millisecond
	cfg.RetryPolicy.MaxAttempts = 1
	require.NoError(t, f.runtime.Register(actorruntime.Registration{
		Type:   "slow",
		Config: cfg,
		Handler: func(ctx context.Context, _ *actor.Core, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	f.enqueue(t, queue.Message{ID: "m-1", ActorID: "s-1", ActorType: "slow"})
	f.processOne(t)

	dead, err := f.queue.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Error, "context deadline exceeded")
}
