package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wene-labs/ledger/pkg/sink"
	"github.com/wene-labs/ledger/pkg/store"
)

// HistoryPageSize is how many entries getAuditLogs returns.
const HistoryPageSize = 50

// Chain owns the audit state of one shard.
type Chain struct {
	kv     store.KV
	fanout *sink.Fanout
	logger *slog.Logger
	now    func() time.Time

	// auditLock. Held across head reads, hash computation, the immutable
	// fan-out (which may block on network I/O) and the pointer batch. That is
	// what makes the sink receipt atomic with the chain advance.
	mu sync.Mutex
}

// NewChain creates the chain engine over a KV store and a sink fan-out.
func NewChain(kv store.KV, fanout *sink.Fanout) *Chain {
	return &Chain{
		kv:     kv,
		fanout: fanout,
		logger: slog.Default().With("component", "audit"),
		now:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (c *Chain) WithClock(now func() time.Time) *Chain {
	c.now = now
	return c
}

// Fanout exposes the sink fan-out for readiness checks.
func (c *Chain) Fanout() *sink.Fanout { return c.fanout }

// Append records one mutation. It reads both heads, builds and hashes the
// entry, runs the immutable fan-out, and only then advances the two lastHash
// pointers together with the history and by-hash copies in one batch.
func (c *Chain) Append(ctx context.Context, event string, actor Actor, data any, eventID string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.headLocked(ctx, KeyGlobalHead)
	if err != nil {
		return nil, err
	}
	streamPrev, err := c.headLocked(ctx, StreamHeadKey(eventID))
	if err != nil {
		return nil, err
	}

	entry := Entry{
		TS:             Timestamp(c.now()),
		Event:          event,
		EventID:        eventID,
		Actor:          actor,
		Data:           data,
		PrevHash:       prev,
		StreamPrevHash: streamPrev,
	}
	entry.EntryHash, err = ComputeEntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("audit entry hash: %w", err)
	}

	receipt, err := c.fanout.Persist(ctx, sink.EntryInfo{
		Hash:           entry.EntryHash,
		EventID:        entry.EventID,
		Timestamp:      entry.TS,
		PrevHash:       entry.PrevHash,
		StreamPrevHash: entry.StreamPrevHash,
		Entry:          entry.Base(),
	})
	if err != nil {
		// Required mode: the chain must not advance past an unpersisted entry.
		return nil, err
	}
	entry.Immutable = receipt

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("audit entry marshal: %w", err)
	}
	writes := []store.Write{
		{Key: KeyGlobalHead, Value: []byte(entry.EntryHash)},
		{Key: StreamHeadKey(eventID), Value: []byte(entry.EntryHash)},
		{Key: HistoryKey(entry.TS, entry.EntryHash), Value: raw},
		{Key: EntryKey(entry.EntryHash), Value: raw},
	}
	if err := c.kv.Batch(ctx, writes); err != nil {
		return nil, fmt.Errorf("audit pointer batch: %w", err)
	}

	c.logger.Debug("audit entry appended",
		"event", event, "event_id", eventID, "entry_hash", entry.EntryHash)
	return &entry, nil
}

// GlobalHead returns the current global chain head, Genesis when empty.
func (c *Chain) GlobalHead(ctx context.Context) (string, error) {
	v, err := c.kv.Get(ctx, KeyGlobalHead)
	if errors.Is(err, store.ErrNotFound) {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// StreamHead returns the head of one eventId stream, Genesis when empty.
func (c *Chain) StreamHead(ctx context.Context, eventID string) (string, error) {
	v, err := c.kv.Get(ctx, StreamHeadKey(eventID))
	if errors.Is(err, store.ErrNotFound) {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// GetByHash returns the entry stored under audit_entry:<hash>.
func (c *Chain) GetByHash(ctx context.Context, entryHash string) (*Entry, error) {
	raw, err := c.kv.Get(ctx, EntryKey(entryHash))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("audit entry decode %s: %w", entryHash, err)
	}
	return &entry, nil
}

// RecentEntries returns the latest limit entries, most recent first.
func (c *Chain) RecentEntries(ctx context.Context, limit int) ([]Entry, error) {
	items, err := c.kv.ListPrefix(ctx, keyHistoryPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("audit history scan: %w", err)
	}
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	entries := make([]Entry, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var e Entry
		if err := json.Unmarshal(items[i].Value, &e); err != nil {
			return nil, fmt.Errorf("audit history decode %s: %w", items[i].Key, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetAuditLogs returns the most recent page of history.
func (c *Chain) GetAuditLogs(ctx context.Context) ([]Entry, error) {
	return c.RecentEntries(ctx, HistoryPageSize)
}

// FindInHistory scans the latest scanLimit history records for an entry hash.
// Used as the fallback lookup during receipt verification when the by-hash
// record is missing.
func (c *Chain) FindInHistory(ctx context.Context, entryHash string, scanLimit int) (*Entry, error) {
	entries, err := c.RecentEntries(ctx, scanLimit)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].EntryHash == entryHash {
			return &entries[i], nil
		}
	}
	return nil, ErrEntryNotFound
}

func (c *Chain) headLocked(ctx context.Context, key string) (string, error) {
	v, err := c.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit head read %s: %w", key, err)
	}
	return string(v), nil
}
