// Package audit implements the double hash chain at the center of the ledger:
// a global chain over every mutation in the shard and a per-eventId stream
// chain over the same entries. Appends are serialized by a single process-wide
// lock and are atomic with the immutable fan-out: in required mode no pointer
// advances unless an external sink accepted the entry.
package audit

import (
	"errors"
	"time"

	"github.com/wene-labs/ledger/pkg/canonicalize"
	"github.com/wene-labs/ledger/pkg/sink"
)

// Genesis is the sentinel parent hash of the first entry on any chain.
const Genesis = "GENESIS"

// Storage keys. The two lastHash pointers plus the time-ordered and
// hash-addressed copies of every entry form the storage contract.
const (
	KeyGlobalHead    = "audit:lastHash:global"
	keyStreamHead    = "audit:lastHash:" // + eventId
	keyHistoryPrefix = "audit_history:"  // + <ts>:<entry_hash>
	keyEntryPrefix   = "audit_entry:"    // + <entry_hash>
)

// ErrEntryNotFound is returned on by-hash lookups of unknown entries.
var ErrEntryNotFound = errors.New("audit: entry not found")

// Actor identifies who caused a mutation.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Entry is a single immutable audit record. EntryHash covers every field
// except itself and the immutable receipt.
type Entry struct {
	TS             string        `json:"ts"`
	Event          string        `json:"event"`
	EventID        string        `json:"eventId"`
	Actor          Actor         `json:"actor"`
	Data           any           `json:"data"`
	PrevHash       string        `json:"prev_hash"`
	StreamPrevHash string        `json:"stream_prev_hash"`
	EntryHash      string        `json:"entry_hash"`
	Immutable      *sink.Receipt `json:"immutable,omitempty"`
}

// Base returns a copy of e without the immutable receipt. The base entry is
// what immutable payloads and payload hashes are derived from.
func (e Entry) Base() Entry {
	e.Immutable = nil
	return e
}

// HashInput returns the object whose canonical form is hashed into EntryHash.
func (e Entry) HashInput() map[string]any {
	return map[string]any{
		"ts":               e.TS,
		"event":            e.Event,
		"eventId":          e.EventID,
		"actor":            e.Actor,
		"data":             e.Data,
		"prev_hash":        e.PrevHash,
		"stream_prev_hash": e.StreamPrevHash,
	}
}

// ComputeEntryHash recomputes the entry hash from the entry's own fields.
func ComputeEntryHash(e Entry) (string, error) {
	return canonicalize.Hash(e.HashInput())
}

// StreamHeadKey returns the lastHash pointer key for an eventId stream.
func StreamHeadKey(eventID string) string {
	return keyStreamHead + eventID
}

// HistoryKey returns the time-ordered storage key of an entry.
func HistoryKey(ts, entryHash string) string {
	return keyHistoryPrefix + ts + ":" + entryHash
}

// EntryKey returns the hash-addressed storage key of an entry.
func EntryKey(entryHash string) string {
	return keyEntryPrefix + entryHash
}

// Timestamp formats t the way every entry timestamp is stored: UTC,
// millisecond precision, trailing Z.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
