// Package queue defines the durable message queue that feeds the actor
// worker: priority and delayed delivery, ack/nack, dead-letter routing, and
// per-job retry metadata observable through an admin surface.
//
// A message is consumed by exactly one worker at a time: Dequeue moves it to
// an in-flight set, and the worker settles it with Ack, Nack (redeliver,
// optionally delayed), or DeadLetter (terminal failure). Per-job attempt logs
// and per-queue counters are maintained by the implementations so operators
// can inspect retry behavior without scraping logs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Message is the unit of actor work.
	Message struct {
		// ID uniquely identifies the message.
		ID string `json:"message_id"`
		// ActorID addresses the target actor instance.
		ActorID string `json:"actor_id"`
		// ActorType names the registered actor type.
		ActorType string `json:"actor_type"`
		// MessageType names the logical operation requested.
		MessageType string `json:"message_type"`
		// CorrelationID links the message to its originating trace.
		CorrelationID string `json:"correlation_id,omitempty"`
		// Payload is the JSON-encoded message body.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Metadata carries delivery bookkeeping.
		Metadata Metadata `json:"metadata"`
	}

	// Metadata is per-message delivery bookkeeping.
	Metadata struct {
		// Timestamp records when the message was produced (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Priority orders ready messages; higher is served first.
		Priority int `json:"priority,omitempty"`
		// IdempotencyKey deduplicates executions within the actor's TTL.
		IdempotencyKey string `json:"idempotency_key,omitempty"`
		// DeliveryAttempt counts deliveries, starting at 1.
		DeliveryAttempt int `json:"delivery_attempt,omitempty"`
		// Executions counts deliveries that reached user execution. The
		// worker stamps it on retry nacks; deliveries bounced before
		// execution (lock contention) redeliver without advancing it.
		Executions int `json:"executions,omitempty"`
	}

	// EnqueueOptions shape a single enqueue.
	EnqueueOptions struct {
		// Priority orders ready messages; higher is served first.
		Priority int
		// Delay defers visibility of the message.
		Delay time.Duration
	}

	// Delivery is one in-flight consumption of a message. The receipt ties
	// the settlement back to this particular dequeue.
	Delivery struct {
		// Queue is the queue the message was consumed from.
		Queue string
		// Message is the consumed message. Metadata.DeliveryAttempt reflects
		// this delivery.
		Message Message
		// Receipt identifies this consumption for Ack/Nack/DeadLetter.
		Receipt string
	}

	// JobStatus is the lifecycle state of a queued job.
	JobStatus string

	// AttemptStatus is the state of one delivery attempt.
	AttemptStatus string

	// Job is the admin view of a message's queue lifecycle.
	Job struct {
		// ID is the message id.
		ID string `json:"jobId"`
		// Queue is the queue name.
		Queue string `json:"queueName"`
		// Data is the JSON-encoded message.
		Data json.RawMessage `json:"data"`
		// Priority and Delay echo the enqueue options.
		Priority int           `json:"priority"`
		Delay    time.Duration `json:"delay"`
		// Status is the current lifecycle state.
		Status JobStatus `json:"status"`
		// Attempts counts deliveries so far.
		Attempts int `json:"attempts"`
		// MaxAttempts is advisory; the worker owns retry policy.
		MaxAttempts int `json:"maxAttempts,omitempty"`
		// CreatedAt and UpdatedAt bracket the job's queue lifetime (UTC).
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Attempt is one entry in a job's delivery log.
	Attempt struct {
		// Number is the 1-based attempt number.
		Number int `json:"attemptNumber"`
		// Timestamp records when the attempt state was reached (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Status is started, completed, or failed.
		Status AttemptStatus `json:"status"`
		// Duration is set on terminal attempt states.
		Duration time.Duration `json:"duration,omitempty"`
		// Error carries the failure message on failed attempts.
		Error string `json:"error,omitempty"`
		// WorkerID identifies the consuming worker.
		WorkerID string `json:"workerId,omitempty"`
	}

	// Stats are per-queue totals per job status.
	Stats struct {
		Queued      int       `json:"queued"`
		Active      int       `json:"active"`
		Completed   int       `json:"completed"`
		Failed      int       `json:"failed"`
		Delayed     int       `json:"delayed"`
		LastUpdated time.Time `json:"lastUpdated"`
	}

	// DeadLetter is a terminally failed message with its final error.
	DeadLetter struct {
		// Message is the original message as last delivered.
		Message Message `json:"message"`
		// Error is the terminal failure.
		Error string `json:"error"`
		// FailedAt records when the message was dead-lettered (UTC).
		FailedAt time.Time `json:"failed_at"`
	}

	// Queue is the durable message queue contract.
	Queue interface {
		// Enqueue publishes the message. Priority and delay may be combined:
		// a delayed message becomes visible at its due time with its priority
		// intact.
		Enqueue(ctx context.Context, queue string, msg Message, opts EnqueueOptions) error

		// Dequeue blocks up to timeout for the next visible message, highest
		// priority first. It returns (nil, nil) when the timeout elapses with
		// nothing to deliver.
		Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error)

		// Ack settles the delivery as successfully processed.
		Ack(ctx context.Context, d *Delivery) error

		// Nack returns the message to the queue for redelivery after delay.
		// The redelivered message carries d.Message as held by the caller,
		// so metadata stamped before the nack survives redelivery.
		Nack(ctx context.Context, d *Delivery, delay time.Duration) error

		// DeadLetterMsg routes the delivery to the queue's dead-letter list
		// with the terminal error.
		DeadLetterMsg(ctx context.Context, d *Delivery, terminalErr string) error
	}

	// Admin exposes queue introspection for operators.
	Admin interface {
		// Job returns the lifecycle view of a message.
		Job(ctx context.Context, queue, jobID string) (*Job, error)

		// Attempts returns the ordered delivery log of a message.
		Attempts(ctx context.Context, queue, jobID string) ([]Attempt, error)

		// Stats returns per-queue totals.
		Stats(ctx context.Context, queue string) (Stats, error)

		// DeadLetters returns up to limit dead-lettered messages, oldest
		// first.
		DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)
	}
)

const (
	// JobQueued means the message is visible and waiting.
	JobQueued JobStatus = "queued"
	// JobActive means a worker is processing the message.
	JobActive JobStatus = "active"
	// JobCompleted means the message was acked.
	JobCompleted JobStatus = "completed"
	// JobFailed means the message was dead-lettered or dropped.
	JobFailed JobStatus = "failed"
	// JobDelayed means the message is waiting for its due time.
	JobDelayed JobStatus = "delayed"

	// AttemptStarted marks the beginning of a delivery attempt.
	AttemptStarted AttemptStatus = "started"
	// AttemptCompleted marks a successful attempt.
	AttemptCompleted AttemptStatus = "completed"
	// AttemptFailed marks a failed attempt.
	AttemptFailed AttemptStatus = "failed"
)

// ErrJobNotFound is returned by Admin lookups for unknown jobs.
var ErrJobNotFound = errors.New("queue: job not found")
