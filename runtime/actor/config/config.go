// Package config defines the per-actor-type infrastructure policy: execution
// timeouts, retry shaping, idempotency retention, message ordering, eviction
// priority, dead-letter routing, per-type concurrency, and journal compaction.
//
// A Config is attached to an actor type at registration time and consulted by
// the queue worker (timeout, retry, dead-letter), the runtime pool (eviction,
// concurrency), and the actor core (compaction threshold). Zero values are
// normalized to the documented defaults by Normalize.
package config

import (
	"time"
)

type (
	// Config is the infrastructure policy for one actor type.
	Config struct {
		// Timeout is the hard wall-clock ceiling for a single Execute invocation.
		Timeout time.Duration `yaml:"timeout"`
		// RetryPolicy shapes redelivery delays for failed invocations.
		RetryPolicy RetryPolicy `yaml:"retryPolicy"`
		// IdempotencyTTL is how long cached results are honored for a given
		// idempotency key.
		IdempotencyTTL time.Duration `yaml:"idempotencyTtl"`
		// Ordering selects FIFO (serialized per actor id from the queue) or
		// standard (best-effort) message ordering.
		Ordering Ordering `yaml:"messageOrdering"`
		// EvictionPriority ranks instances for pool eviction: high-priority
		// instances are kept longest under pool pressure.
		EvictionPriority EvictionPriority `yaml:"evictionPriority"`
		// DeadLetterQueue routes terminally failed messages to the DLQ when
		// true; when false, terminal failures are acknowledged and dropped.
		DeadLetterQueue *bool `yaml:"deadLetterQueue"`
		// Concurrency caps simultaneous in-flight invocations of this actor type.
		Concurrency int `yaml:"concurrency"`
		// JournalCompactionThreshold is the entry count that triggers a snapshot
		// and trim. Zero disables compaction.
		JournalCompactionThreshold int `yaml:"journalCompactionThreshold"`
	}

	// RetryPolicy controls redelivery delay computation. The same formulas are
	// used by the queue worker and by the workflow Retry action.
	RetryPolicy struct {
		// MaxAttempts is the total number of attempts including the first.
		MaxAttempts int `yaml:"maxAttempts"`
		// Backoff selects the delay curve.
		Backoff Backoff `yaml:"backoff"`
		// InitialDelay seeds the delay curve.
		InitialDelay time.Duration `yaml:"initialDelayMs"`
		// MaxDelay caps the computed delay.
		MaxDelay time.Duration `yaml:"maxDelayMs"`
		// Multiplier grows exponential delays. Values < 1 are treated as the
		// default.
		Multiplier float64 `yaml:"multiplier"`
	}

	// Backoff identifies a delay curve.
	Backoff string

	// Ordering identifies a queue delivery ordering mode.
	Ordering string

	// EvictionPriority ranks pool eviction candidates.
	EvictionPriority string
)

const (
	// BackoffExponential grows the delay by Multiplier after each attempt.
	BackoffExponential Backoff = "exponential"
	// BackoffLinear grows the delay linearly with the attempt number.
	BackoffLinear Backoff = "linear"
	// BackoffFixed repeats the initial delay for every attempt.
	BackoffFixed Backoff = "fixed"

	// OrderingFIFO serializes dispatch per actor id in enqueue order.
	OrderingFIFO Ordering = "fifo"
	// OrderingStandard permits best-effort reordering across deliveries.
	OrderingStandard Ordering = "standard"

	// EvictionHigh keeps the instance resident longest under pool pressure.
	EvictionHigh EvictionPriority = "high"
	// EvictionMedium is the default eviction tier.
	EvictionMedium EvictionPriority = "medium"
	// EvictionLow evicts the instance first under pool pressure.
	EvictionLow EvictionPriority = "low"
)

// Defaults for zero-valued Config fields.
const (
	DefaultTimeout                    = 30 * time.Second
	DefaultMaxAttempts                = 3
	DefaultInitialDelay               = time.Second
	DefaultMaxDelay                   = 60 * time.Second
	DefaultMultiplier                 = 2.0
	DefaultIdempotencyTTL             = 24 * time.Hour
	DefaultConcurrency                = 1
	DefaultJournalCompactionThreshold = 100
)

// Default returns the fully populated default policy.
func Default() Config {
	return Config{
		Timeout: DefaultTimeout,
		RetryPolicy: RetryPolicy{
			MaxAttempts:  DefaultMaxAttempts,
			Backoff:      BackoffExponential,
			InitialDelay: DefaultInitialDelay,
			MaxDelay:     DefaultMaxDelay,
			Multiplier:   DefaultMultiplier,
		},
		IdempotencyTTL:             DefaultIdempotencyTTL,
		Ordering:                   OrderingStandard,
		EvictionPriority:           EvictionMedium,
		DeadLetterQueue:            boolPtr(true),
		Concurrency:                DefaultConcurrency,
		JournalCompactionThreshold: DefaultJournalCompactionThreshold,
	}
}

// Normalize fills zero-valued fields with defaults and returns the result.
// The receiver is not modified.
func (c Config) Normalize() Config {
	def := Default()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	c.RetryPolicy = c.RetryPolicy.Normalize()
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = def.IdempotencyTTL
	}
	if c.Ordering == "" {
		c.Ordering = def.Ordering
	}
	if c.EvictionPriority == "" {
		c.EvictionPriority = def.EvictionPriority
	}
	if c.DeadLetterQueue == nil {
		c.DeadLetterQueue = boolPtr(true)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.JournalCompactionThreshold < 0 {
		c.JournalCompactionThreshold = def.JournalCompactionThreshold
	}
	return c
}

// Normalize fills zero-valued policy fields with defaults and returns the result.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// DeadLetter reports whether terminal failures are routed to the DLQ.
func (c Config) DeadLetter() bool {
	return c.DeadLetterQueue == nil || *c.DeadLetterQueue
}

// RetryDelay computes the redelivery delay after the given failed attempt.
// Attempt numbering starts at 1 for the first delivery: exponential yields
// initial*multiplier^(attempt-1), linear yields initial*attempt, fixed yields
// initial, all capped at MaxDelay. The result depends only on the policy and
// the attempt number.
func RetryDelay(p RetryPolicy, attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case BackoffFixed:
		d = p.InitialDelay
	default:
		d = p.InitialDelay
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func boolPtr(b bool) *bool { return &b }
