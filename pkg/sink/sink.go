// Package sink implements the immutable fan-out: every audit entry is mirrored
// to one or more external append-only sinks before the chain pointers advance.
// Sinks are consumed through narrow capabilities (ObjectStore, KVIndex, HTTP
// ingest); concrete adapters for S3-compatible buckets, GCS and Redis live in
// this package as well.
package sink

import (
	"context"
	"strings"
	"time"
)

// Mode controls how sink failures propagate.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeBestEffort Mode = "best_effort"
	ModeRequired   Mode = "required"
)

// ParseMode maps the AUDIT_IMMUTABLE_MODE env value to a Mode.
// The empty string means required: the ledger fails closed by default.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ModeRequired
	case "off", "false", "0", "disabled", "no":
		return ModeOff
	case "best_effort", "best-effort", "relaxed", "warn":
		return ModeBestEffort
	default:
		return ModeRequired
	}
}

// Sink type identifiers recorded in receipts.
const (
	SinkR2Entry  = "r2_entry"
	SinkR2Stream = "r2_stream"
	SinkKVIndex  = "kv_index"
	SinkIngest   = "immutable_ingest"
)

// AcceptedSinkTypes is the closed set a receipt may reference.
var AcceptedSinkTypes = map[string]bool{
	SinkR2Entry:  true,
	SinkR2Stream: true,
	SinkKVIndex:  true,
	SinkIngest:   true,
}

// Ref records one sink acceptance.
type Ref struct {
	Sink string `json:"sink"`
	Ref  string `json:"ref"`
	At   string `json:"at"`
}

// Receipt is the evidence attached to an audit entry after fan-out.
type Receipt struct {
	Mode        string   `json:"mode"`
	PayloadHash string   `json:"payload_hash"`
	Sinks       []Ref    `json:"sinks"`
	Warnings    []string `json:"warnings,omitempty"`
}

// ObjectStore is the put-if-absent bucket capability. PutIfAbsent must be
// atomic: on conflict it returns created=false and the existing object bytes
// so the caller can assert byte-equality.
type ObjectStore interface {
	PutIfAbsent(ctx context.Context, key string, payload []byte, metadata map[string]string) (created bool, existing []byte, err error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// KVIndex is the best-effort hash index capability.
type KVIndex interface {
	Put(ctx context.Context, key string, value []byte) error
}

// EntryInfo carries the fields of an audit entry the fan-out needs without
// importing the audit package.
type EntryInfo struct {
	Hash           string
	EventID        string
	Timestamp      string
	PrevHash       string
	StreamPrevHash string
	// Entry is the full base entry object; it is canonicalized verbatim into
	// the immutable payload.
	Entry any
}

// ObjectKeyEntry returns the entry-addressed object key for an entry hash.
func ObjectKeyEntry(entryHash string) string {
	return "audit/immutable/entry/" + entryHash + ".json"
}

// ObjectKeyStream returns the stream-addressed object key. Timestamps are
// sanitized so keys stay portable across object stores (":" and "." → "-").
func ObjectKeyStream(eventID, ts, entryHash string) string {
	sanitized := strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "audit/immutable/stream/" + urlEncode(eventID) + "/" + sanitized + "_" + entryHash + ".json"
}

// IndexKey returns the KV index key for an entry hash.
func IndexKey(entryHash string) string {
	return "audit:immutable:" + entryHash
}

func urlEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

func isoNow(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339Nano)
}
