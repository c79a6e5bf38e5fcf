package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wene-labs/ledger/pkg/canonicalize"
)

// Sentinel errors surfaced by the fan-out. In required mode all of these block
// the audit append before any pointer advances.
var (
	ErrNotConfigured = errors.New("immutable audit sink is not configured")
	ErrConflict      = errors.New("immutable conflict detected")
	ErrNoneAccepted  = errors.New("no immutable sink accepted this entry")
)

// Fanout mirrors audit entries to the configured sinks.
type Fanout struct {
	mode    Mode
	source  string
	objects ObjectStore // nil when no bucket is bound
	index   KVIndex     // nil when no KV index is bound
	ingest  *IngestClient
	logger  *slog.Logger
	now     func() time.Time
}

// Options configures a Fanout. Source names the shard in immutable payloads.
type Options struct {
	Mode    Mode
	Source  string
	Objects ObjectStore
	Index   KVIndex
	Ingest  *IngestClient
	Now     func() time.Time
}

// New creates a Fanout. Nil capabilities mean that sink is not bound.
func New(opts Options) *Fanout {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	source := opts.Source
	if source == "" {
		source = "participation-ledger"
	}
	return &Fanout{
		mode:    opts.Mode,
		source:  source,
		objects: opts.Objects,
		index:   opts.Index,
		ingest:  opts.Ingest,
		logger:  slog.Default().With("component", "sink"),
		now:     now,
	}
}

// Mode returns the configured mode.
func (f *Fanout) Mode() Mode { return f.mode }

// PrimaryConfigured reports whether a primary sink (object-store bucket or
// HTTP ingest) is bound. Required mode with no primary sink fails closed.
func (f *Fanout) PrimaryConfigured() bool {
	return f.objects != nil || f.ingest != nil
}

// PayloadFor builds the immutable payload for an entry and its hash.
// The payload shape is fixed: {version:1, source, entry}.
func (f *Fanout) PayloadFor(entry any) ([]byte, string, error) {
	payload, err := canonicalize.Canonical(map[string]any{
		"version": 1,
		"source":  f.source,
		"entry":   entry,
	})
	if err != nil {
		return nil, "", fmt.Errorf("immutable payload canonicalization failed: %w", err)
	}
	return payload, canonicalize.SHA256Hex(payload), nil
}

// Persist fans the entry out to every configured sink, in order. It returns
// nil receipt in off mode. In required mode any blocking failure is returned
// as an error; in best_effort mode failures become receipt warnings.
func (f *Fanout) Persist(ctx context.Context, info EntryInfo) (*Receipt, error) {
	if f.mode == ModeOff {
		return nil, nil
	}

	payload, payloadHash, err := f.PayloadFor(info.Entry)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{Mode: string(f.mode), PayloadHash: payloadHash}

	if !f.PrimaryConfigured() {
		if f.mode == ModeRequired {
			return nil, ErrNotConfigured
		}
		receipt.Warnings = append(receipt.Warnings, ErrNotConfigured.Error())
		return receipt, nil
	}

	var blocking []error

	if f.objects != nil {
		if err := f.putObject(ctx, ObjectKeyEntry(info.Hash), payload, info, payloadHash, SinkR2Entry, receipt); err != nil {
			blocking = append(blocking, err)
		}
		if err := f.putObject(ctx, ObjectKeyStream(info.EventID, info.Timestamp, info.Hash), payload, info, payloadHash, SinkR2Stream, receipt); err != nil {
			blocking = append(blocking, err)
		}
	}

	if f.index != nil {
		// Best-effort: the index is a hash-addressed summary, last-writer-wins
		// is harmless.
		summary, err := canonicalize.Canonical(map[string]any{
			"ts":               info.Timestamp,
			"eventId":          info.EventID,
			"prev_hash":        info.PrevHash,
			"stream_prev_hash": info.StreamPrevHash,
			"payload_hash":     payloadHash,
		})
		if err == nil {
			if err := f.index.Put(ctx, IndexKey(info.Hash), summary); err != nil {
				f.logger.Warn("kv index put failed", "entry_hash", info.Hash, "error", err)
				receipt.Warnings = append(receipt.Warnings, "kv index write failed: "+err.Error())
			} else {
				receipt.Sinks = append(receipt.Sinks, Ref{Sink: SinkKVIndex, Ref: IndexKey(info.Hash), At: isoNow(f.now)})
			}
		}
	}

	if f.ingest != nil {
		ref, err := f.ingest.Send(ctx, f.source, payloadHash, info.Hash, info.Entry)
		if err != nil {
			blocking = append(blocking, err)
		} else {
			receipt.Sinks = append(receipt.Sinks, Ref{Sink: SinkIngest, Ref: ref, At: isoNow(f.now)})
		}
	}

	if !hasAcceptingSink(receipt.Sinks) {
		blocking = append(blocking, ErrNoneAccepted)
	}

	if len(blocking) > 0 {
		if f.mode == ModeRequired {
			return nil, blocking[0]
		}
		for _, berr := range blocking {
			receipt.Warnings = append(receipt.Warnings, berr.Error())
		}
	}
	return receipt, nil
}

// FetchObject retrieves a previously persisted object by key, used by the
// integrity verifier to re-assert byte-equality.
func (f *Fanout) FetchObject(ctx context.Context, key string) ([]byte, error) {
	if f.objects == nil {
		return nil, ErrNotConfigured
	}
	return f.objects.Get(ctx, key)
}

// ObjectsBound reports whether a bucket capability is attached.
func (f *Fanout) ObjectsBound() bool { return f.objects != nil }

// Source returns the source label stamped into immutable payloads.
func (f *Fanout) Source() string { return f.source }

func (f *Fanout) putObject(ctx context.Context, key string, payload []byte, info EntryInfo, payloadHash, sinkType string, receipt *Receipt) error {
	metadata := map[string]string{
		"event_id":     info.EventID,
		"entry_hash":   info.Hash,
		"payload_hash": payloadHash,
	}
	created, existing, err := f.objects.PutIfAbsent(ctx, key, payload, metadata)
	if err != nil {
		return fmt.Errorf("object store put %s: %w", key, err)
	}
	if !created && !bytes.Equal(existing, payload) {
		// Same key, different bytes: external tampering, never retried.
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}
	receipt.Sinks = append(receipt.Sinks, Ref{Sink: sinkType, Ref: key, At: isoNow(f.now)})
	return nil
}

func hasAcceptingSink(refs []Ref) bool {
	for _, r := range refs {
		if r.Sink == SinkR2Entry || r.Sink == SinkIngest {
			return true
		}
	}
	return false
}
