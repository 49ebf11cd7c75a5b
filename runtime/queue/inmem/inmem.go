// Package inmem provides an in-memory implementation of queue.Queue and
// queue.Admin for tests and local development. Delivery ordering matches the
// Redis implementation: highest priority first, FIFO within a priority.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/queue"
)

type (
	// Queue implements queue.Queue and queue.Admin in memory.
	Queue struct {
		mu     sync.Mutex
		queues map[string]*state
		now    func() time.Time
	}

	state struct {
		// ready holds visible items ordered by (priority desc, seq asc).
		ready []item
		// delayed holds items waiting for their due time.
		delayed []item
		// inflight holds active deliveries keyed by receipt.
		inflight map[string]item
		// dead holds dead-lettered messages, oldest first.
		dead []queue.DeadLetter

		jobs     map[string]*queue.Job
		attempts map[string][]queue.Attempt
		stats    queue.Stats

		seq int64
	}

	item struct {
		msg      queue.Message
		priority int
		seq      int64
		dueAt    time.Time
		started  time.Time
	}
)

// pollInterval paces the blocking Dequeue loop.
const pollInterval = 5 * time.Millisecond

// New returns a new in-memory queue.
func New() *Queue {
	return &Queue{
		queues: make(map[string]*state),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests use this to promote delayed
// messages without sleeping.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(_ context.Context, name string, msg queue.Message, opts queue.EnqueueOptions) error {
	if name == "" {
		return fmt.Errorf("queue name is required")
	}
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(name)
	st.seq++
	now := q.now().UTC()
	if msg.Metadata.Timestamp.IsZero() {
		msg.Metadata.Timestamp = now
	}
	msg.Metadata.Priority = opts.Priority
	it := item{msg: msg, priority: opts.Priority, seq: st.seq}

	status := queue.JobQueued
	if opts.Delay > 0 {
		it.dueAt = now.Add(opts.Delay)
		st.delayed = append(st.delayed, it)
		status = queue.JobDelayed
	} else {
		st.pushReady(it)
	}
	st.trackJob(name, msg, opts, status, now)
	st.bump(status, +1, now)
	return nil
}

// Dequeue implements queue.Queue.
func (q *Queue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*queue.Delivery, error) {
	deadline := q.now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if d := q.tryDequeue(name); d != nil {
			return d, nil
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryDequeue(name string) *queue.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(name)
	now := q.now().UTC()
	st.promoteDue(now)
	if len(st.ready) == 0 {
		return nil
	}
	it := st.ready[0]
	st.ready = st.ready[1:]

	it.started = now
	it.msg.Metadata.DeliveryAttempt++
	receipt := uuid.New().String()
	st.inflight[receipt] = it

	if job, ok := st.jobs[it.msg.ID]; ok {
		job.Status = queue.JobActive
		job.Attempts = it.msg.Metadata.DeliveryAttempt
		job.UpdatedAt = now
	}
	st.attempts[it.msg.ID] = append(st.attempts[it.msg.ID], queue.Attempt{
		Number:    it.msg.Metadata.DeliveryAttempt,
		Timestamp: now,
		Status:    queue.AttemptStarted,
	})
	st.bump(queue.JobQueued, -1, now)
	st.bump(queue.JobActive, +1, now)
	return &queue.Delivery{Queue: name, Message: it.msg, Receipt: receipt}
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, d *queue.Delivery) error {
	return q.settle(d, queue.JobCompleted, "")
}

// Nack implements queue.Queue.
func (q *Queue) Nack(_ context.Context, d *queue.Delivery, delay time.Duration) error {
	if d == nil {
		return fmt.Errorf("delivery is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(d.Queue)
	it, ok := st.inflight[d.Receipt]
	if !ok {
		return fmt.Errorf("unknown receipt %q", d.Receipt)
	}
	delete(st.inflight, d.Receipt)
	now := q.now().UTC()
	st.recordAttempt(it, now, queue.AttemptFailed, "requeued")

	// Redeliver the caller's view of the message so metadata stamped before
	// the nack survives.
	it.msg = d.Message
	st.seq++
	it.seq = st.seq
	status := queue.JobQueued
	if delay > 0 {
		it.dueAt = now.Add(delay)
		st.delayed = append(st.delayed, it)
		status = queue.JobDelayed
	} else {
		it.dueAt = time.Time{}
		st.pushReady(it)
	}
	if job, ok := st.jobs[it.msg.ID]; ok {
		job.Status = status
		job.UpdatedAt = now
	}
	st.bump(queue.JobActive, -1, now)
	st.bump(status, +1, now)
	return nil
}

// DeadLetterMsg implements queue.Queue.
func (q *Queue) DeadLetterMsg(_ context.Context, d *queue.Delivery, terminalErr string) error {
	if d == nil {
		return fmt.Errorf("delivery is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(d.Queue)
	it, ok := st.inflight[d.Receipt]
	if !ok {
		return fmt.Errorf("unknown receipt %q", d.Receipt)
	}
	delete(st.inflight, d.Receipt)
	now := q.now().UTC()
	st.recordAttempt(it, now, queue.AttemptFailed, terminalErr)
	st.dead = append(st.dead, queue.DeadLetter{Message: it.msg, Error: terminalErr, FailedAt: now})
	if job, ok := st.jobs[it.msg.ID]; ok {
		job.Status = queue.JobFailed
		job.UpdatedAt = now
	}
	st.bump(queue.JobActive, -1, now)
	st.bump(queue.JobFailed, +1, now)
	return nil
}

func (q *Queue) settle(d *queue.Delivery, status queue.JobStatus, errMsg string) error {
	if d == nil {
		return fmt.Errorf("delivery is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(d.Queue)
	it, ok := st.inflight[d.Receipt]
	if !ok {
		return fmt.Errorf("unknown receipt %q", d.Receipt)
	}
	delete(st.inflight, d.Receipt)
	now := q.now().UTC()
	st.recordAttempt(it, now, queue.AttemptCompleted, errMsg)
	if job, ok := st.jobs[it.msg.ID]; ok {
		job.Status = status
		job.UpdatedAt = now
	}
	st.bump(queue.JobActive, -1, now)
	st.bump(status, +1, now)
	return nil
}

// Job implements queue.Admin.
func (q *Queue) Job(_ context.Context, name, jobID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(name)
	job, ok := st.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Attempts implements queue.Admin.
func (q *Queue) Attempts(_ context.Context, name, jobID string) ([]queue.Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(name)
	if _, ok := st.jobs[jobID]; !ok {
		return nil, queue.ErrJobNotFound
	}
	return append([]queue.Attempt(nil), st.attempts[jobID]...), nil
}

// Stats implements queue.Admin.
func (q *Queue) Stats(_ context.Context, name string) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state(name).stats, nil
}

// DeadLetters implements queue.Admin.
func (q *Queue) DeadLetters(_ context.Context, name string, limit int) ([]queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.state(name)
	if limit <= 0 || limit > len(st.dead) {
		limit = len(st.dead)
	}
	return append([]queue.DeadLetter(nil), st.dead[:limit]...), nil
}

func (q *Queue) state(name string) *state {
	st, ok := q.queues[name]
	if !ok {
		st = &state{
			inflight: make(map[string]item),
			jobs:     make(map[string]*queue.Job),
			attempts: make(map[string][]queue.Attempt),
		}
		q.queues[name] = st
	}
	return st
}

func (st *state) pushReady(it item) {
	st.ready = append(st.ready, it)
	sort.SliceStable(st.ready, func(i, j int) bool {
		if st.ready[i].priority != st.ready[j].priority {
			return st.ready[i].priority > st.ready[j].priority
		}
		return st.ready[i].seq < st.ready[j].seq
	})
}

func (st *state) promoteDue(now time.Time) {
	var remaining []item
	for _, it := range st.delayed {
		if !it.dueAt.After(now) {
			it.dueAt = time.Time{}
			st.pushReady(it)
			if job, ok := st.jobs[it.msg.ID]; ok {
				job.Status = queue.JobQueued
				job.UpdatedAt = now
			}
			st.bump(queue.JobDelayed, -1, now)
			st.bump(queue.JobQueued, +1, now)
			continue
		}
		remaining = append(remaining, it)
	}
	st.delayed = remaining
}

func (st *state) recordAttempt(it item, now time.Time, status queue.AttemptStatus, errMsg string) {
	att := queue.Attempt{
		Number:    it.msg.Metadata.DeliveryAttempt,
		Timestamp: now,
		Status:    status,
		Duration:  now.Sub(it.started),
	}
	if status == queue.AttemptFailed {
		att.Error = errMsg
	}
	st.attempts[it.msg.ID] = append(st.attempts[it.msg.ID], att)
}

func (st *state) trackJob(name string, msg queue.Message, opts queue.EnqueueOptions, status queue.JobStatus, now time.Time) {
	if job, ok := st.jobs[msg.ID]; ok {
		job.Status = status
		job.UpdatedAt = now
		return
	}
	data, _ := json.Marshal(msg)
	st.jobs[msg.ID] = &queue.Job{
		ID:        msg.ID,
		Queue:     name,
		Data:      data,
		Priority:  opts.Priority,
		Delay:     opts.Delay,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (st *state) bump(status queue.JobStatus, delta int, now time.Time) {
	switch status {
	case queue.JobQueued:
		st.stats.Queued += delta
	case queue.JobActive:
		st.stats.Active += delta
	case queue.JobCompleted:
		st.stats.Completed += delta
	case queue.JobFailed:
		st.stats.Failed += delta
	case queue.JobDelayed:
		st.stats.Delayed += delta
	}
	st.stats.LastUpdated = now
}
