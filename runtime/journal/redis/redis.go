// Package redis provides a Redis-backed implementation of journal.Store.
//
// Each actor's journal is a Redis stream keyed by the actor id: appends are
// XADD, reads are XRANGE, and positional trims are XTRIM MINID using the
// stream id of the first surviving entry. Snapshots are plain JSON values on
// a companion key. The layout keeps appends ordered and at-most-once per call
// without any client-side coordination.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/journal"
)

type (
	// Options configures the Redis journal store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// KeyPrefix namespaces journal and snapshot keys. Defaults to "loom".
		KeyPrefix string
		// OperationTimeout bounds individual Redis operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Store implements journal.Store on Redis streams.
	Store struct {
		rdb     *redis.Client
		prefix  string
		timeout time.Duration
	}
)

// payloadField is the stream field holding the JSON-encoded entry.
const payloadField = "entry"

// Compile-time check that Store implements journal.Store.
var _ journal.Store = (*Store)(nil)

// New returns a Store backed by Redis. The Client field in opts is required.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "loom"
	}
	return &Store{
		rdb:     opts.Client,
		prefix:  prefix,
		timeout: opts.OperationTimeout,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "journal-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// AppendEntry implements journal.Store.
func (s *Store) AppendEntry(ctx context.Context, actorID string, entry journal.Entry) error {
	if actorID == "" {
		return errors.New("actor id is required")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.journalKey(actorID),
		Values: map[string]any{payloadField: raw},
	}).Err(); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// ReadEntries implements journal.Store.
func (s *Store) ReadEntries(ctx context.Context, actorID string) ([]journal.Entry, error) {
	if actorID == "" {
		return nil, errors.New("actor id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	msgs, err := s.rdb.XRange(ctx, s.journalKey(actorID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read journal entries: %w", err)
	}
	entries := make([]journal.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeEntry(msg)
		if err != nil {
			// Append parsing errors are fatal to rehydration: a journal with
			// undecodable history cannot be replayed faithfully.
			return nil, fmt.Errorf("entry %s: %w", msg.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len implements journal.Store.
func (s *Store) Len(ctx context.Context, actorID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.XLen(ctx, s.journalKey(actorID)).Result()
	if err != nil {
		return 0, fmt.Errorf("journal length: %w", err)
	}
	return int(n), nil
}

// SaveSnapshot implements journal.Store.
func (s *Store) SaveSnapshot(ctx context.Context, actorID string, snap journal.Snapshot) error {
	if actorID == "" {
		return errors.New("actor id is required")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.snapshotKey(actorID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot implements journal.Store. A snapshot that fails to decode is
// treated as absent so the caller falls back to a full replay; it is never
// surfaced as an error.
func (s *Store) LatestSnapshot(ctx context.Context, actorID string) (*journal.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.rdb.Get(ctx, s.snapshotKey(actorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap journal.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "corrupt snapshot ignored, forcing full replay"},
			log.KV{K: "actor_id", V: actorID}, log.KV{K: "err", V: err.Error()})
		return nil, nil
	}
	return &snap, nil
}

// TrimEntries implements journal.Store. It removes the oldest beforeCursor
// entries using XTRIM MINID with the stream id of the first surviving entry.
func (s *Store) TrimEntries(ctx context.Context, actorID string, beforeCursor int) error {
	if beforeCursor <= 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	key := s.journalKey(actorID)
	total, err := s.rdb.XLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("journal length: %w", err)
	}
	if int64(beforeCursor) >= total {
		// Trimming everything: drop the stream outright.
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("trim journal: %w", err)
		}
		return nil
	}
	// Fetch up to the first surviving entry to learn its stream id.
	msgs, err := s.rdb.XRangeN(ctx, key, "-", "+", int64(beforeCursor)+1).Result()
	if err != nil {
		return fmt.Errorf("trim journal: %w", err)
	}
	if len(msgs) <= beforeCursor {
		return nil
	}
	minID := msgs[beforeCursor].ID
	if err := s.rdb.XTrimMinID(ctx, key, minID).Err(); err != nil {
		return fmt.Errorf("trim journal: %w", err)
	}
	return nil
}

// DeleteJournal implements journal.Store.
func (s *Store) DeleteJournal(ctx context.Context, actorID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.journalKey(actorID), s.snapshotKey(actorID)).Err(); err != nil {
		return fmt.Errorf("delete journal: %w", err)
	}
	return nil
}

func (s *Store) journalKey(actorID string) string {
	return fmt.Sprintf("%s:journal:%s", s.prefix, actorID)
}

func (s *Store) snapshotKey(actorID string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, actorID)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func decodeEntry(msg redis.XMessage) (journal.Entry, error) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return journal.Entry{}, journal.ErrCorruptEntry
	}
	str, ok := raw.(string)
	if !ok {
		return journal.Entry{}, journal.ErrCorruptEntry
	}
	var entry journal.Entry
	if err := json.Unmarshal([]byte(str), &entry); err != nil {
		return journal.Entry{}, fmt.Errorf("%w: %s", journal.ErrCorruptEntry, err)
	}
	return entry, nil
}
