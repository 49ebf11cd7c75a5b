// Package redis provides a Redis-backed implementation of queue.Queue and
// queue.Admin.
//
// Layout per queue:
//   - ready zset: members are job ids scored by (-priority, sequence) so
//     BZPOPMIN serves highest priority first, FIFO within a priority.
//   - delayed zset: members are job ids scored by due time in unix millis;
//     due jobs are promoted to the ready zset at dequeue time.
//   - processing zset: in-flight job ids scored by start time.
//   - dead list: JSON dead letters, oldest first.
//   - per-job hash + attempts list, per-queue stats hash.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/runtime/queue"
)

type (
	// Options configures the Redis queue.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// KeyPrefix namespaces queue keys. Defaults to "loom".
		KeyPrefix string
		// WorkerID tags attempt log entries. Defaults to a random id.
		WorkerID string
	}

	// Queue implements queue.Queue and queue.Admin on Redis.
	Queue struct {
		rdb      *redis.Client
		prefix   string
		workerID string
	}
)

// priorityBand spaces priorities apart in the ready zset score so sequence
// numbers never cross into the next priority.
const priorityBand = 1e12

var (
	_ queue.Queue = (*Queue)(nil)
	_ queue.Admin = (*Queue)(nil)
)

// New returns a Queue backed by Redis. The Client field in opts is required.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "loom"
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = uuid.New().String()
	}
	return &Queue{rdb: opts.Client, prefix: prefix, workerID: workerID}, nil
}

// Name implements health.Pinger.
func (q *Queue) Name() string { return "queue-redis" }

// Ping implements health.Pinger.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, name string, msg queue.Message, opts queue.EnqueueOptions) error {
	if name == "" {
		return errors.New("queue name is required")
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	now := time.Now().UTC()
	if msg.Metadata.Timestamp.IsZero() {
		msg.Metadata.Timestamp = now
	}
	msg.Metadata.Priority = opts.Priority
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	status := queue.JobQueued
	if opts.Delay > 0 {
		status = queue.JobDelayed
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(name, msg.ID), map[string]any{
		"data":       data,
		"priority":   opts.Priority,
		"delay_ms":   opts.Delay.Milliseconds(),
		"status":     string(status),
		"attempts":   msg.Metadata.DeliveryAttempt,
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(name), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: msg.ID,
		})
	} else {
		seq := q.rdb.Incr(ctx, q.seqKey(name)).Val()
		pipe.ZAdd(ctx, q.readyKey(name), redis.Z{
			Score:  readyScore(opts.Priority, seq),
			Member: msg.ID,
		})
	}
	q.bump(ctx, pipe, name, status, +1, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue implements queue.Queue. It first promotes due delayed jobs, then
// blocks on the ready zset up to timeout.
func (q *Queue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*queue.Delivery, error) {
	if err := q.promoteDue(ctx, name); err != nil {
		return nil, err
	}
	res, err := q.rdb.BZPopMin(ctx, timeout, q.readyKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected member type %T", res.Member)
	}
	return q.claim(ctx, name, jobID)
}

func (q *Queue) claim(ctx context.Context, name, jobID string) (*queue.Delivery, error) {
	raw, err := q.rdb.HGet(ctx, q.jobKey(name, jobID), "data").Bytes()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var msg queue.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	now := time.Now().UTC()
	msg.Metadata.DeliveryAttempt++

	att, _ := json.Marshal(queue.Attempt{
		Number:    msg.Metadata.DeliveryAttempt,
		Timestamp: now,
		Status:    queue.AttemptStarted,
		WorkerID:  q.workerID,
	})
	data, _ := json.Marshal(msg)

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.processingKey(name), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.HSet(ctx, q.jobKey(name, jobID), map[string]any{
		"data":       data,
		"status":     string(queue.JobActive),
		"attempts":   msg.Metadata.DeliveryAttempt,
		"updated_at": now.Format(time.RFC3339Nano),
	})
	pipe.RPush(ctx, q.attemptsKey(name, jobID), att)
	q.bump(ctx, pipe, name, queue.JobQueued, -1, now)
	q.bump(ctx, pipe, name, queue.JobActive, +1, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return &queue.Delivery{Queue: name, Message: msg, Receipt: uuid.New().String()}, nil
}

// promoteDue moves delayed jobs whose due time has passed into the ready
// zset, preserving their priority.
func (q *Queue) promoteDue(ctx context.Context, name string) error {
	now := time.Now().UTC()
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	for _, jobID := range due {
		prio, err := q.rdb.HGet(ctx, q.jobKey(name, jobID), "priority").Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("promote delayed: %w", err)
		}
		seq := q.rdb.Incr(ctx, q.seqKey(name)).Val()
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(name), jobID)
		pipe.ZAdd(ctx, q.readyKey(name), redis.Z{Score: readyScore(prio, seq), Member: jobID})
		pipe.HSet(ctx, q.jobKey(name, jobID), "status", string(queue.JobQueued), "updated_at", now.Format(time.RFC3339Nano))
		q.bump(ctx, pipe, name, queue.JobDelayed, -1, now)
		q.bump(ctx, pipe, name, queue.JobQueued, +1, now)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
	}
	return nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.settle(ctx, d, queue.JobCompleted, queue.AttemptCompleted, "")
}

// Nack implements queue.Queue.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	now := time.Now().UTC()
	jobID := d.Message.ID
	name := d.Queue
	att, _ := json.Marshal(queue.Attempt{
		Number:    d.Message.Metadata.DeliveryAttempt,
		Timestamp: now,
		Status:    queue.AttemptFailed,
		Error:     "requeued",
		WorkerID:  q.workerID,
	})

	// Persist the caller's view of the message so metadata stamped before
	// the nack survives redelivery.
	data, _ := json.Marshal(d.Message)

	status := queue.JobQueued
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(name), jobID)
	pipe.RPush(ctx, q.attemptsKey(name, jobID), att)
	if delay > 0 {
		status = queue.JobDelayed
		pipe.ZAdd(ctx, q.delayedKey(name), redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: jobID,
		})
	} else {
		seq := q.rdb.Incr(ctx, q.seqKey(name)).Val()
		pipe.ZAdd(ctx, q.readyKey(name), redis.Z{
			Score:  readyScore(d.Message.Metadata.Priority, seq),
			Member: jobID,
		})
	}
	pipe.HSet(ctx, q.jobKey(name, jobID), "data", data, "status", string(status), "updated_at", now.Format(time.RFC3339Nano))
	q.bump(ctx, pipe, name, queue.JobActive, -1, now)
	q.bump(ctx, pipe, name, status, +1, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

// DeadLetterMsg implements queue.Queue.
func (q *Queue) DeadLetterMsg(ctx context.Context, d *queue.Delivery, terminalErr string) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	now := time.Now().UTC()
	dl, err := json.Marshal(queue.DeadLetter{Message: d.Message, Error: terminalErr, FailedAt: now})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	att, _ := json.Marshal(queue.Attempt{
		Number:    d.Message.Metadata.DeliveryAttempt,
		Timestamp: now,
		Status:    queue.AttemptFailed,
		Error:     terminalErr,
		WorkerID:  q.workerID,
	})
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(d.Queue), d.Message.ID)
	pipe.RPush(ctx, q.attemptsKey(d.Queue, d.Message.ID), att)
	pipe.RPush(ctx, q.deadKey(d.Queue), dl)
	pipe.HSet(ctx, q.jobKey(d.Queue, d.Message.ID), "status", string(queue.JobFailed), "updated_at", now.Format(time.RFC3339Nano))
	q.bump(ctx, pipe, d.Queue, queue.JobActive, -1, now)
	q.bump(ctx, pipe, d.Queue, queue.JobFailed, +1, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

func (q *Queue) settle(ctx context.Context, d *queue.Delivery, status queue.JobStatus, attStatus queue.AttemptStatus, errMsg string) error {
	if d == nil {
		return errors.New("delivery is required")
	}
	now := time.Now().UTC()
	att, _ := json.Marshal(queue.Attempt{
		Number:    d.Message.Metadata.DeliveryAttempt,
		Timestamp: now,
		Status:    attStatus,
		Error:     errMsg,
		WorkerID:  q.workerID,
	})
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(d.Queue), d.Message.ID)
	pipe.RPush(ctx, q.attemptsKey(d.Queue, d.Message.ID), att)
	pipe.HSet(ctx, q.jobKey(d.Queue, d.Message.ID), "status", string(status), "updated_at", now.Format(time.RFC3339Nano))
	q.bump(ctx, pipe, d.Queue, queue.JobActive, -1, now)
	q.bump(ctx, pipe, d.Queue, status, +1, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}

// Job implements queue.Admin.
func (q *Queue) Job(ctx context.Context, name, jobID string) (*queue.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(name, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}
	job := &queue.Job{ID: jobID, Queue: name, Status: queue.JobStatus(fields["status"])}
	job.Data = json.RawMessage(fields["data"])
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, err := strconv.ParseInt(fields["delay_ms"], 10, 64); err == nil {
		job.Delay = time.Duration(ms) * time.Millisecond
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return job, nil
}

// Attempts implements queue.Admin.
func (q *Queue) Attempts(ctx context.Context, name, jobID string) ([]queue.Attempt, error) {
	raws, err := q.rdb.LRange(ctx, q.attemptsKey(name, jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	attempts := make([]queue.Attempt, 0, len(raws))
	for _, raw := range raws {
		var att queue.Attempt
		if err := json.Unmarshal([]byte(raw), &att); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		attempts = append(attempts, att)
	}
	return attempts, nil
}

// Stats implements queue.Admin.
func (q *Queue) Stats(ctx context.Context, name string) (queue.Stats, error) {
	fields, err := q.rdb.HGetAll(ctx, q.statsKey(name)).Result()
	if err != nil {
		return queue.Stats{}, fmt.Errorf("load stats: %w", err)
	}
	var st queue.Stats
	st.Queued, _ = strconv.Atoi(fields["queued"])
	st.Active, _ = strconv.Atoi(fields["active"])
	st.Completed, _ = strconv.Atoi(fields["completed"])
	st.Failed, _ = strconv.Atoi(fields["failed"])
	st.Delayed, _ = strconv.Atoi(fields["delayed"])
	st.LastUpdated, _ = time.Parse(time.RFC3339Nano, fields["last_updated"])
	return st, nil
}

// DeadLetters implements queue.Admin.
func (q *Queue) DeadLetters(ctx context.Context, name string, limit int) ([]queue.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := q.rdb.LRange(ctx, q.deadKey(name), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	letters := make([]queue.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl queue.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

func (q *Queue) bump(ctx context.Context, pipe redis.Pipeliner, name string, status queue.JobStatus, delta int64, now time.Time) {
	pipe.HIncrBy(ctx, q.statsKey(name), string(status), delta)
	pipe.HSet(ctx, q.statsKey(name), "last_updated", now.Format(time.RFC3339Nano))
}

func readyScore(priority int, seq int64) float64 {
	return float64(-priority)*priorityBand + float64(seq)
}

func (q *Queue) readyKey(name string) string      { return fmt.Sprintf("%s:queue:%s:ready", q.prefix, name) }
func (q *Queue) delayedKey(name string) string    { return fmt.Sprintf("%s:queue:%s:delayed", q.prefix, name) }
func (q *Queue) processingKey(name string) string { return fmt.Sprintf("%s:queue:%s:processing", q.prefix, name) }
func (q *Queue) deadKey(name string) string       { return fmt.Sprintf("%s:queue:%s:dead", q.prefix, name) }
func (q *Queue) seqKey(name string) string        { return fmt.Sprintf("%s:queue:%s:seq", q.prefix, name) }
func (q *Queue) statsKey(name string) string      { return fmt.Sprintf("%s:queue:%s:stats", q.prefix, name) }
func (q *Queue) jobKey(name, id string) string {
	return fmt.Sprintf("%s:queue:%s:job:%s", q.prefix, name, id)
}
func (q *Queue) attemptsKey(name, id string) string {
	return fmt.Sprintf("%s:queue:%s:job:%s:attempts", q.prefix, name, id)
}
