// Package worker implements the queue consumption loop: long-poll dequeue,
// idempotency short-circuit, dispatch through the actor runtime with a
// wall-clock timeout, retry/backoff on failure, and dead-letter routing for
// exhausted messages.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/loomhq/loom/runtime/actor"
	"github.com/loomhq/loom/runtime/actor/config"
	"github.com/loomhq/loom/runtime/actorruntime"
	"github.com/loomhq/loom/runtime/idempotency"
	"github.com/loomhq/loom/runtime/queue"
	"github.com/loomhq/loom/runtime/stream"
	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/runtime/trace"
)

// Well-known message types interpreted by the worker. Anything else is a
// regular actor invocation.
const (
	// MessageTypeActivityResult delivers a completed activity back to its
	// suspended actor. Payload: ResumePayload.
	MessageTypeActivityResult = "loom.activity.result"
	// MessageTypeActivityError delivers a terminal activity failure. Payload:
	// ResumePayload.
	MessageTypeActivityError = "loom.activity.error"
	// MessageTypeEvent delivers an awaited external event. Payload:
	// EventPayload.
	MessageTypeEvent = "loom.event"
	// MessageTypeSpawn is the initial invocation of a spawned child actor.
	MessageTypeSpawn = "loom.spawn"
)

type (
	// ResumePayload is the body of activity result and error messages.
	ResumePayload struct {
		ActivityID string          `json:"activity_id"`
		Result     json.RawMessage `json:"result,omitempty"`
		Error      string          `json:"error,omitempty"`
	}

	// EventPayload is the body of event delivery messages.
	EventPayload struct {
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data,omitempty"`
	}

	// Options configures a Worker.
	Options struct {
		// Queue is the message source. Required.
		Queue queue.Queue
		// QueueName names the consumed queue. Required.
		QueueName string
		// Runtime dispatches messages to actors. Required.
		Runtime *actorruntime.Runtime
		// Idempotency short-circuits redeliveries of keyed messages. Optional.
		Idempotency idempotency.Store
		// Tracer emits span events. Optional.
		Tracer *trace.Writer
		// Streams provides the default per-invocation actor stream. Optional.
		Streams stream.Factory
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to the noop recorder.
		Metrics telemetry.Metrics
		// PollTimeout bounds each blocking dequeue. Defaults to 1s.
		PollTimeout time.Duration
		// Limiter paces the poll loop. Defaults to unlimited.
		Limiter *rate.Limiter
		// Concurrency is the number of poll loops. Defaults to 1.
		Concurrency int
		// WorkerID identifies this worker in attempt logs. Defaults to a
		// fresh uuid.
		WorkerID string
	}

	// Worker consumes one queue and drives the actor runtime.
	Worker struct {
		queue       queue.Queue
		queueName   string
		runtime     *actorruntime.Runtime
		idem        idempotency.Store
		tracer      *trace.Writer
		streams     stream.Factory
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		pollTimeout time.Duration
		limiter     *rate.Limiter
		concurrency int
		workerID    string

		fifoMu sync.Mutex
		fifo   map[string]*sync.Mutex
	}
)

// lockRetryDelay is the redelivery delay when another holder owns the
// actor's lock. Contention is not a failed attempt in any meaningful sense,
// so the delay stays short and fixed.
const lockRetryDelay = 500 * time.Millisecond

// New constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = uuid.New().String()
	}
	return &Worker{
		queue:       opts.Queue,
		queueName:   opts.QueueName,
		runtime:     opts.Runtime,
		idem:        opts.Idempotency,
		tracer:      opts.Tracer,
		streams:     opts.Streams,
		logger:      logger,
		metrics:     metrics,
		pollTimeout: pollTimeout,
		limiter:     limiter,
		concurrency: concurrency,
		workerID:    workerID,
		fifo:        make(map[string]*sync.Mutex),
	}, nil
}

// Run consumes the queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn(ctx, "dequeue failed", "queue", w.queueName, "err", err.Error())
		}
	}
}

// ProcessOne performs one blocking dequeue and processes the delivery, if
// any. It reports whether a message was processed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	d, err := w.queue.Dequeue(ctx, w.queueName, w.pollTimeout)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	w.process(ctx, d)
	return true, nil
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	reg, err := w.runtime.Registration(msg.ActorType)
	if err != nil {
		// Unknown type is a configuration error, never retriable.
		w.logger.Error(ctx, "message for unregistered actor type",
			"actor_type", msg.ActorType, "message_id", msg.ID)
		w.settleDead(ctx, d, err.Error())
		return
	}
	cfg := reg.Config

	key := msg.Metadata.IdempotencyKey
	if key != "" && w.idem != nil {
		rec, gerr := w.idem.Get(ctx, key)
		if gerr != nil {
			w.logger.Warn(ctx, "idempotency lookup failed", "key", key, "err", gerr.Error())
		}
		if rec != nil {
			w.tracer.Emit(ctx, trace.Span{
				TraceID:   msg.CorrelationID,
				EventType: "message_deduplicated",
				Status:    trace.StatusOK,
				Refs: &trace.Refs{
					Idempotency: &trace.IdempotencyRef{Key: key, ActorID: rec.ActorID},
					Message:     &trace.MessageRef{MessageID: msg.ID, QueueName: d.Queue, CorrelationID: msg.CorrelationID},
				},
			})
			if aerr := w.queue.Ack(ctx, d); aerr != nil {
				w.logger.Warn(ctx, "ack failed", "message_id", msg.ID, "err", aerr.Error())
			}
			w.metrics.IncCounter(telemetry.MetricMessagesProcessed, 1,
				"actor_type", msg.ActorType, "outcome", "deduplicated")
			return
		}
	}

	if cfg.Ordering == config.OrderingFIFO {
		mu := w.actorMutex(msg.ActorID)
		mu.Lock()
		defer mu.Unlock()
	}

	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, execErr := w.dispatch(execCtx, msg)
	w.metrics.RecordTimer(telemetry.MetricMessageDuration, time.Since(start), "actor_type", msg.ActorType)

	switch {
	case execErr == nil:
		if key != "" && w.idem != nil {
			rec := idempotency.Record{
				Key:        key,
				ActorID:    msg.ActorID,
				Result:     out,
				ExecutedAt: time.Now().UTC(),
				MessageID:  msg.ID,
			}
			if perr := w.idem.Put(ctx, rec, cfg.IdempotencyTTL); perr != nil {
				w.logger.Warn(ctx, "idempotency store failed", "key", key, "err", perr.Error())
			}
		}
		w.settleAck(ctx, d, "completed")
	case actor.IsSuspension(execErr):
		// The suspended state is durable in the journal; the message is done.
		w.settleAck(ctx, d, "suspended")
	case errors.Is(execErr, actorruntime.ErrLockNotAcquired):
		if nerr := w.queue.Nack(ctx, d, lockRetryDelay); nerr != nil {
			w.logger.Warn(ctx, "nack failed", "message_id", msg.ID, "err", nerr.Error())
		}
	default:
		w.settleFailure(ctx, d, cfg, execErr)
	}
}

// dispatch routes the message by type: resume deliveries go to the matching
// runtime entry point, everything else is a fresh invocation wrapped in the
// actor's default stream.
func (w *Worker) dispatch(ctx context.Context, msg queue.Message) (json.RawMessage, error) {
	actx := actor.Context{
		ActorID:       msg.ActorID,
		ActorType:     msg.ActorType,
		CorrelationID: msg.CorrelationID,
	}
	switch msg.MessageType {
	case MessageTypeActivityResult:
		var p ResumePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode activity result: %w", err)
		}
		return w.runtime.ResumeActivity(ctx, actx, p.ActivityID, p.Result)
	case MessageTypeActivityError:
		var p ResumePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode activity error: %w", err)
		}
		return w.runtime.ResumeActivityError(ctx, actx, p.ActivityID, p.Error)
	case MessageTypeEvent:
		var p EventPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		return w.runtime.DeliverEvent(ctx, actx, p.EventType, p.Data)
	default:
		inv := actor.Invocation{
			MessageID:     msg.ID,
			MessageType:   msg.MessageType,
			CorrelationID: msg.CorrelationID,
			Payload:       msg.Payload,
		}
		prod := w.openStream(ctx, msg)
		out, err := w.runtime.Dispatch(ctx, actx, inv)
		w.closeStream(ctx, prod, err)
		return out, err
	}
}

// openStream starts the default actor stream for the invocation. Transport
// failures never affect execution.
func (w *Worker) openStream(ctx context.Context, msg queue.Message) stream.Producer {
	if w.streams == nil {
		return nil
	}
	id := msg.CorrelationID
	if id == "" {
		id = msg.ID
	}
	prod, err := w.streams.Producer(id)
	if err != nil {
		w.logger.Warn(ctx, "open stream failed", "stream_id", id, "err", err.Error())
		return nil
	}
	_ = prod.Publish(ctx, stream.Chunk{Kind: stream.ChunkStart, StreamID: id})
	return prod
}

// closeStream terminates the default stream: complete on success, error on
// failure, nothing on suspension since execution resumes later.
func (w *Worker) closeStream(ctx context.Context, prod stream.Producer, execErr error) {
	if prod == nil {
		return
	}
	switch {
	case execErr == nil:
		_ = prod.Complete(ctx)
	case actor.IsSuspension(execErr) || errors.Is(execErr, actorruntime.ErrLockNotAcquired):
	default:
		_ = prod.Fail(ctx, execErr)
	}
}

func (w *Worker) settleAck(ctx context.Context, d *queue.Delivery, outcome string) {
	if err := w.queue.Ack(ctx, d); err != nil {
		w.logger.Warn(ctx, "ack failed", "message_id", d.Message.ID, "err", err.Error())
	}
	w.metrics.IncCounter(telemetry.MetricMessagesProcessed, 1,
		"actor_type", d.Message.ActorType, "outcome", outcome)
}

func (w *Worker) settleDead(ctx context.Context, d *queue.Delivery, terminalErr string) {
	if err := w.queue.DeadLetterMsg(ctx, d, terminalErr); err != nil {
		w.logger.Warn(ctx, "dead-letter failed", "message_id", d.Message.ID, "err", err.Error())
	}
	w.tracer.Emit(ctx, trace.Span{
		TraceID:   d.Message.CorrelationID,
		EventType: "message_dead_lettered",
		Status:    trace.StatusError,
		Metadata:  map[string]string{"error": terminalErr},
		Refs: &trace.Refs{
			Message: &trace.MessageRef{MessageID: d.Message.ID, QueueName: d.Queue, CorrelationID: d.Message.CorrelationID},
		},
	})
	w.metrics.IncCounter(telemetry.MetricMessagesProcessed, 1,
		"actor_type", d.Message.ActorType, "outcome", "dead_lettered")
}

// settleFailure applies the retry policy: redeliver with the computed delay
// while attempts remain, then dead-letter (or drop when the type opts out).
// The retry budget counts executions, not deliveries: deliveries bounced by
// lock contention redeliver without advancing the counter.
func (w *Worker) settleFailure(ctx context.Context, d *queue.Delivery, cfg config.Config, execErr error) {
	msg := d.Message
	attempt := msg.Metadata.Executions + 1
	if attempt < cfg.RetryPolicy.MaxAttempts {
		d.Message.Metadata.Executions = attempt
		delay := config.RetryDelay(cfg.RetryPolicy, attempt)
		w.logger.Info(ctx, "message failed, retrying",
			"message_id", msg.ID, "attempt", attempt, "delay", delay.String(), "err", execErr.Error())
		if nerr := w.queue.Nack(ctx, d, delay); nerr != nil {
			w.logger.Warn(ctx, "nack failed", "message_id", msg.ID, "err", nerr.Error())
		}
		w.metrics.IncCounter(telemetry.MetricMessagesProcessed, 1,
			"actor_type", msg.ActorType, "outcome", "retried")
		return
	}
	if cfg.DeadLetter() {
		w.settleDead(ctx, d, execErr.Error())
		return
	}
	w.logger.Warn(ctx, "message dropped after exhausting retries",
		"message_id", msg.ID, "err", execErr.Error())
	w.settleAck(ctx, d, "dropped")
}

func (w *Worker) actorMutex(actorID string) *sync.Mutex {
	w.fifoMu.Lock()
	defer w.fifoMu.Unlock()
	mu, ok := w.fifo[actorID]
	if !ok {
		mu = &sync.Mutex{}
		w.fifo[actorID] = mu
	}
	return mu
}
