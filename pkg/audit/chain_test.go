package audit_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/sink"
	"github.com/wene-labs/ledger/pkg/store"
)

// tickingClock returns a clock that advances one millisecond per call so every
// entry gets a distinct history key.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func newTestChain(mode sink.Mode) (*audit.Chain, *store.MemoryKV) {
	kv := store.NewMemoryKV()
	fanout := sink.New(sink.Options{Mode: mode})
	chain := audit.NewChain(kv, fanout).WithClock(tickingClock())
	return chain, kv
}

func systemActor() audit.Actor {
	return audit.Actor{Type: "system", ID: "system"}
}

func TestAppend_FirstEntryLinksToGenesis(t *testing.T) {
	chain, _ := newTestChain(sink.ModeOff)
	ctx := context.Background()

	entry, err := chain.Append(ctx, "EVENT_CREATED", systemActor(), map[string]any{"title": "x"}, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, audit.Genesis, entry.PrevHash)
	assert.Equal(t, audit.Genesis, entry.StreamPrevHash)
	assert.Len(t, entry.EntryHash, 64)

	head, err := chain.GlobalHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, entry.EntryHash, head)
}

// Interleaved events share the global chain but keep independent stream chains.
func TestAppend_GlobalAndStreamChainsDiverge(t *testing.T) {
	chain, _ := newTestChain(sink.ModeOff)
	ctx := context.Background()

	a1, err := chain.Append(ctx, "USER_CLAIM", systemActor(), nil, "evt-a")
	require.NoError(t, err)
	b1, err := chain.Append(ctx, "USER_CLAIM", systemActor(), nil, "evt-b")
	require.NoError(t, err)
	a2, err := chain.Append(ctx, "USER_CLAIM", systemActor(), nil, "evt-a")
	require.NoError(t, err)

	assert.Equal(t, a1.EntryHash, b1.PrevHash)
	assert.Equal(t, b1.EntryHash, a2.PrevHash)

	assert.Equal(t, audit.Genesis, b1.StreamPrevHash)
	assert.Equal(t, a1.EntryHash, a2.StreamPrevHash)

	streamHead, err := chain.StreamHead(ctx, "evt-a")
	require.NoError(t, err)
	assert.Equal(t, a2.EntryHash, streamHead)
	streamHead, err = chain.StreamHead(ctx, "evt-b")
	require.NoError(t, err)
	assert.Equal(t, b1.EntryHash, streamHead)
}

// Concurrent appends must serialize: no two entries may share a parent.
func TestAppend_ConcurrentAppendsSerialize(t *testing.T) {
	chain, _ := newTestChain(sink.ModeOff)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := chain.Append(ctx, "USER_CLAIM", systemActor(), nil, "evt-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := chain.RecentEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, workers)

	parents := map[string]int{}
	for _, e := range entries {
		parents[e.PrevHash]++
	}
	for p, n := range parents {
		assert.Equal(t, 1, n, "parent %s referenced %d times", p, n)
	}

	report, err := chain.VerifyIntegrity(ctx, audit.VerifyLimitMax, false)
	require.NoError(t, err)
	assert.True(t, report.OK, "issues: %+v", report.Issues)
}

func TestAppend_RequiredModeBlocksWithoutSink(t *testing.T) {
	chain, _ := newTestChain(sink.ModeRequired)
	ctx := context.Background()

	_, err := chain.Append(ctx, "USER_CLAIM", systemActor(), nil, "evt-1")
	require.ErrorIs(t, err, sink.ErrNotConfigured)

	// Nothing advanced.
	head, err := chain.GlobalHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.Genesis, head)
	entries, err := chain.RecentEntries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetByHash(t *testing.T) {
	chain, _ := newTestChain(sink.ModeOff)
	ctx := context.Background()

	entry, err := chain.Append(ctx, "USER_CLAIM", systemActor(), map[string]any{"k": "v"}, "evt-1")
	require.NoError(t, err)

	got, err := chain.GetByHash(ctx, entry.EntryHash)
	require.NoError(t, err)
	assert.Equal(t, entry.EntryHash, got.EntryHash)
	assert.Equal(t, "USER_CLAIM", got.Event)

	_, err = chain.GetByHash(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, audit.ErrEntryNotFound)
}

func TestRecentEntries_NewestFirstAndLimited(t *testing.T) {
	chain, _ := newTestChain(sink.ModeOff)
	ctx := context.Background()

	var hashes []string
	for i := 0; i < 5; i++ {
		entry, err := chain.Append(ctx, "USER_CLAIM", systemActor(), nil, "evt-1")
		require.NoError(t, err)
		hashes = append(hashes, entry.EntryHash)
	}

	entries, err := chain.RecentEntries(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, hashes[4], entries[0].EntryHash)
	assert.Equal(t, hashes[2], entries[2].EntryHash)
}

// Rewriting a stored entry's data must surface as an entry_hash_mismatch.
func TestVerifyIntegrity_DetectsTamperedEntry(t *testing.T) {
	chain, kv := newTestChain(sink.ModeOff)
	ctx := context.Background()

	var target *audit.Entry
	for i := 0; i < 3; i++ {
		entry, err := chain.Append(ctx, "USER_CLAIM", systemActor(), map[string]any{"n": i}, "evt-1")
		require.NoError(t, err)
		if i == 1 {
			target = entry
		}
	}

	tampered := *target
	tampered.Data = map[string]any{"n": 999}
	raw, err := json.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, audit.HistoryKey(tampered.TS, tampered.EntryHash), raw))

	report, err := chain.VerifyIntegrity(ctx, 50, false)
	require.NoError(t, err)
	assert.False(t, report.OK)

	kinds := map[string]bool{}
	for _, issue := range report.Issues {
		kinds[issue.Kind] = true
	}
	assert.True(t, kinds["entry_hash_mismatch"])
}

func TestVerifyIntegrity_CleanChainReportsOK(t *testing.T) {
	chain, _ := newTestChain(sink.ModeOff)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := chain.Append(ctx, "USER_CLAIM", systemActor(), nil, "evt-1")
		require.NoError(t, err)
	}

	report, err := chain.VerifyIntegrity(ctx, 0, false)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, audit.VerifyLimitDefault, report.Limit)
	assert.NotEmpty(t, report.GlobalHead)
	assert.NotEmpty(t, report.OldestInWindow)
}

func TestVerifyIntegrity_LimitClamped(t *testing.T) {
	chain, _ := newTestChain(sink.ModeOff)
	ctx := context.Background()

	report, err := chain.VerifyIntegrity(ctx, 10_000, false)
	require.NoError(t, err)
	assert.Equal(t, audit.VerifyLimitMax, report.Limit)
}

func TestTimestampFormat(t *testing.T) {
	ts := audit.Timestamp(time.Date(2026, 8, 26, 12, 30, 45, 123_000_000, time.UTC))
	assert.Equal(t, "2026-08-26T12:30:45.123Z", ts)
}
