// Package store defines the linearizable key-value capability that the shard
// persists all of its state through, plus the in-memory and Redis-backed
// implementations. Keys are namespaced flat strings (see the storage contract
// in the repository docs); values are opaque JSON bytes.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Entry is a key/value pair returned by prefix scans.
type Entry struct {
	Key   string
	Value []byte
}

// Write is one element of an atomic batch.
type Write struct {
	Key    string
	Value  []byte // nil means delete
	Delete bool
}

// KV is the storage capability. Implementations must be linearizable: a Put
// followed by a Get on any goroutine observes the written value. ListPrefix
// returns entries in ascending key order.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ListPrefix returns up to limit entries whose keys start with prefix,
	// ascending by key. limit <= 0 means no limit.
	ListPrefix(ctx context.Context, prefix string, limit int) ([]Entry, error)
	// Batch applies all writes atomically.
	Batch(ctx context.Context, writes []Write) error
}
