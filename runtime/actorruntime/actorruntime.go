// Package actorruntime hosts actor instances: it owns the registry of actor
// types, an instance pool with LRU eviction by priority tier, and the
// dispatch path that serializes per-actor execution through distributed
// locks while limiting per-type concurrency.
package actorruntime

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/runtime/actor"
	"github.com/loomhq/loom/runtime/actor/config"
	"github.com/loomhq/loom/runtime/journal"
	"github.com/loomhq/loom/runtime/lock"
	"github.com/loomhq/loom/runtime/state"
	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/runtime/trace"
)

type (
	// Registration binds an actor type name to its handler and
	// infrastructure policy.
	Registration struct {
		// Type is the actor type name. Required, unique.
		Type string
		// Handler is the actor body. Required.
		Handler actor.Handler
		// Config is the type's infrastructure policy; zero values are
		// normalized to defaults.
		Config config.Config
	}

	// Options configures a Runtime.
	Options struct {
		// Journal persists actor effect logs. Required.
		Journal journal.Store
		// States caches materialized state blobs. Optional.
		States state.Store
		// Locks serializes per-actor dispatch. Required.
		Locks lock.Manager
		// Spawner delivers child spawn requests, typically enqueueing a
		// message for the child. Optional.
		Spawner actor.Spawner
		// Tracer emits reference-bearing span events. Optional.
		Tracer *trace.Writer
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to the noop recorder.
		Metrics telemetry.Metrics
		// PoolSize bounds resident instances. Defaults to 1024.
		PoolSize int
		// LockTTL is the per-dispatch lease duration, extended while the
		// invocation runs. Defaults to 30s.
		LockTTL time.Duration
	}

	// Runtime hosts actor instances and dispatches messages to them.
	Runtime struct {
		journal  journal.Store
		states   state.Store
		locks    lock.Manager
		spawner  actor.Spawner
		tracer   *trace.Writer
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		poolSize int
		lockTTL  time.Duration

		mu    sync.Mutex
		types map[string]Registration
		sems  map[string]chan struct{}
		pool  map[string]*resident
		order *list.List
	}

	// resident is one pooled instance. busy instances are never evicted.
	resident struct {
		id   string
		core *actor.Core
		reg  Registration
		elem *list.Element
		busy bool
	}
)

const (
	defaultPoolSize = 1024
	defaultLockTTL  = 30 * time.Second
)

var (
	// ErrUnknownType reports a dispatch to an unregistered actor type.
	ErrUnknownType = errors.New("actor runtime: unknown actor type")
	// ErrLockNotAcquired reports that another holder owns the actor's lock.
	// Retriable: nack the message and redeliver.
	ErrLockNotAcquired = errors.New("actor runtime: lock not acquired")
)

// New constructs a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Journal == nil {
		return nil, errors.New("journal store is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("lock manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Runtime{
		journal:  opts.Journal,
		states:   opts.States,
		locks:    opts.Locks,
		spawner:  opts.Spawner,
		tracer:   opts.Tracer,
		logger:   logger,
		metrics:  metrics,
		poolSize: poolSize,
		lockTTL:  lockTTL,
		types:    make(map[string]Registration),
		sems:     make(map[string]chan struct{}),
		pool:     make(map[string]*resident),
		order:    list.New(),
	}, nil
}

// Register adds an actor type. Registering the same type twice fails.
func (r *Runtime) Register(reg Registration) error {
	if reg.Type == "" {
		return errors.New("actor type is required")
	}
	if reg.Handler == nil {
		return errors.New("handler is required")
	}
	reg.Config = reg.Config.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[reg.Type]; ok {
		return fmt.Errorf("actor type %q already registered", reg.Type)
	}
	r.types[reg.Type] = reg
	r.sems[reg.Type] = make(chan struct{}, reg.Config.Concurrency)
	return nil
}

// Registration returns the registration for the type, or ErrUnknownType.
func (r *Runtime) Registration(actorType string) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.types[actorType]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", ErrUnknownType, actorType)
	}
	return reg, nil
}

// Dispatch delivers one message to the actor: activate, record the
// invocation, execute under the per-actor lock with the type's concurrency
// limit. A suspension sentinel in the returned error is a durable yield, not
// a failure.
func (r *Runtime) Dispatch(ctx context.Context, actx actor.Context, inv actor.Invocation) (json.RawMessage, error) {
	return r.withInstance(ctx, actx, func(ctx context.Context, core *actor.Core) (json.RawMessage, error) {
		if err := core.RecordInvocation(ctx, inv); err != nil {
			return nil, err
		}
		return core.Execute(ctx, inv.Payload)
	})
}

// DeliverEvent delivers an awaited external event, replaying the actor to
// its next suspension point or completion.
func (r *Runtime) DeliverEvent(ctx context.Context, actx actor.Context, eventType string, data any) (json.RawMessage, error) {
	return r.withInstance(ctx, actx, func(ctx context.Context, core *actor.Core) (json.RawMessage, error) {
		return core.Resume(ctx, eventType, data)
	})
}

// ResumeActivity delivers a successful activity result.
func (r *Runtime) ResumeActivity(ctx context.Context, actx actor.Context, activityID string, result any) (json.RawMessage, error) {
	return r.withInstance(ctx, actx, func(ctx context.Context, core *actor.Core) (json.RawMessage, error) {
		return core.ResumeWithActivity(ctx, activityID, result)
	})
}

// ResumeActivityError delivers a terminal activity failure.
func (r *Runtime) ResumeActivityError(ctx context.Context, actx actor.Context, activityID, message string) (json.RawMessage, error) {
	return r.withInstance(ctx, actx, func(ctx context.Context, core *actor.Core) (json.RawMessage, error) {
		return core.ResumeWithActivityError(ctx, activityID, message)
	})
}

// Deactivate removes the actor instance from the pool. Its journal and
// state remain durable; the next dispatch rehydrates.
func (r *Runtime) Deactivate(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.pool[actorID]; ok && !res.busy {
		r.removeLocked(res)
	}
}

// PoolLen returns the number of resident instances.
func (r *Runtime) PoolLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

func (r *Runtime) withInstance(ctx context.Context, actx actor.Context, fn func(context.Context, *actor.Core) (json.RawMessage, error)) (json.RawMessage, error) {
	reg, err := r.Registration(actx.ActorType)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	sem := r.sems[actx.ActorType]
	r.mu.Unlock()
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sem }()

	l, err := r.locks.Acquire(ctx, "actor:"+actx.ActorID, r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for actor %s: %w", actx.ActorID, err)
	}
	if l == nil {
		r.metrics.IncCounter(telemetry.MetricLockContention, 1, "actor_type", actx.ActorType)
		return nil, fmt.Errorf("%w: actor %s", ErrLockNotAcquired, actx.ActorID)
	}
	stopLease := r.keepLease(ctx, l)
	defer func() {
		stopLease()
		if rerr := r.locks.Release(context.WithoutCancel(ctx), l); rerr != nil {
			r.logger.Warn(ctx, "lock release failed", "actor_id", actx.ActorID, "err", rerr.Error())
		}
	}()

	res, err := r.activate(ctx, reg, actx)
	if err != nil {
		return nil, err
	}
	defer r.markIdle(res)

	out, err := fn(ctx, res.core)
	r.afterExecution(ctx, actx, res.core, err)
	return out, err
}

// afterExecution persists the materialized state, compacts when warranted,
// and emits the execution span. Suspensions count as successful yields.
func (r *Runtime) afterExecution(ctx context.Context, actx actor.Context, core *actor.Core, execErr error) {
	suspended := actor.IsSuspension(execErr)
	if execErr == nil || suspended {
		if r.states != nil {
			if blob, serr := core.StateJSON(); serr == nil {
				if serr := r.states.Save(ctx, actx.ActorID, blob); serr != nil {
					r.logger.Warn(ctx, "state save failed", "actor_id", actx.ActorID, "err", serr.Error())
				}
			}
		}
		if execErr == nil {
			if cerr := core.CompactJournal(ctx); cerr != nil {
				r.logger.Warn(ctx, "journal compaction failed", "actor_id", actx.ActorID, "err", cerr.Error())
			}
		}
	}

	span := trace.Span{
		TraceID:      actx.CorrelationID,
		ParentSpanID: actx.ParentTraceID,
		EventType:    "actor_execute",
		Status:       trace.StatusOK,
		Refs: &trace.Refs{
			ActorState: &trace.ActorStateRef{ActorID: actx.ActorID, ActorType: actx.ActorType},
		},
	}
	if n := core.JournalLen(); n > 0 {
		span.Refs.JournalEntry = &trace.JournalEntryRef{
			ActorID:    actx.ActorID,
			EntryIndex: n - 1,
			EntryType:  string(journal.EntryInvocation),
		}
	}
	switch {
	case suspended:
		span.EventType = "actor_suspended"
	case execErr != nil:
		span.Status = trace.StatusError
		span.Metadata = map[string]string{"error": execErr.Error()}
	}
	r.tracer.Emit(ctx, span)
}

// keepLease extends the lock lease at half-TTL intervals until stopped.
func (r *Runtime) keepLease(ctx context.Context, l *lock.Lock) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.locks.Extend(ctx, l, r.lockTTL); err != nil {
					r.logger.Warn(ctx, "lock extension failed", "key", l.Key, "err", err.Error())
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// activate returns the pooled instance, hydrating a new one when absent.
func (r *Runtime) activate(ctx context.Context, reg Registration, actx actor.Context) (*resident, error) {
	r.mu.Lock()
	if res, ok := r.pool[actx.ActorID]; ok {
		res.busy = true
		r.order.MoveToFront(res.elem)
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	core, err := actor.New(actor.Options{
		Context: actx,
		Config:  reg.Config,
		Journal: r.journal,
		Handler: reg.Handler,
		Spawner: r.spawner,
		Logger:  r.logger,
		Metrics: r.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := core.LoadJournal(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.pool[actx.ActorID]; ok {
		res.busy = true
		r.order.MoveToFront(res.elem)
		return res, nil
	}
	r.evictLocked()
	res := &resident{id: actx.ActorID, core: core, reg: reg, busy: true}
	res.elem = r.order.PushFront(res)
	r.pool[actx.ActorID] = res
	r.metrics.RecordGauge(telemetry.MetricActiveActors, float64(len(r.pool)), "actor_type", actx.ActorType)
	return res, nil
}

func (r *Runtime) markIdle(res *resident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res.busy = false
	r.order.MoveToFront(res.elem)
}

// evictLocked makes room for one more instance. Victims are idle instances,
// lowest eviction priority first, least recently used within a tier.
func (r *Runtime) evictLocked() {
	for len(r.pool) >= r.poolSize {
		victim := r.victimLocked()
		if victim == nil {
			return
		}
		r.removeLocked(victim)
	}
}

func (r *Runtime) victimLocked() *resident {
	for _, tier := range []config.EvictionPriority{config.EvictionLow, config.EvictionMedium, config.EvictionHigh} {
		for e := r.order.Back(); e != nil; e = e.Prev() {
			res := e.Value.(*resident)
			if res.busy || res.reg.Config.EvictionPriority != tier {
				continue
			}
			return res
		}
	}
	return nil
}

func (r *Runtime) removeLocked(res *resident) {
	r.order.Remove(res.elem)
	delete(r.pool, res.id)
}
