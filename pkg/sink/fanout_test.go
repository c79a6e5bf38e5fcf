package sink_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wene-labs/ledger/pkg/sink"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) PutIfAbsent(_ context.Context, key string, payload []byte, _ map[string]string) (bool, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return false, nil, f.putErr
	}
	if existing, ok := f.objects[key]; ok {
		return false, existing, nil
	}
	f.objects[key] = append([]byte{}, payload...)
	return true, nil, nil
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return payload, nil
}

type fakeIndex struct {
	mu     sync.Mutex
	puts   map[string][]byte
	putErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{puts: map[string][]byte{}}
}

func (f *fakeIndex) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts[key] = value
	return nil
}

func testInfo() sink.EntryInfo {
	return sink.EntryInfo{
		Hash:           "ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12ab12",
		EventID:        "evt-1",
		Timestamp:      "2026-01-02T03:04:05.000Z",
		PrevHash:       "GENESIS",
		StreamPrevHash: "GENESIS",
		Entry: map[string]any{
			"ts":      "2026-01-02T03:04:05.000Z",
			"event":   "USER_CLAIM",
			"eventId": "evt-1",
		},
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]sink.Mode{
		"":            sink.ModeRequired,
		"required":    sink.ModeRequired,
		"  REQUIRED ": sink.ModeRequired,
		"off":         sink.ModeOff,
		"false":       sink.ModeOff,
		"0":           sink.ModeOff,
		"disabled":    sink.ModeOff,
		"no":          sink.ModeOff,
		"best_effort": sink.ModeBestEffort,
		"best-effort": sink.ModeBestEffort,
		"relaxed":     sink.ModeBestEffort,
		"warn":        sink.ModeBestEffort,
		"garbage":     sink.ModeRequired,
	}
	for input, want := range cases {
		assert.Equal(t, want, sink.ParseMode(input), "input %q", input)
	}
}

func TestPersist_OffModeIsNoop(t *testing.T) {
	f := sink.New(sink.Options{Mode: sink.ModeOff})
	receipt, err := f.Persist(context.Background(), testInfo())
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

// Required mode with no primary sink bound must fail closed before any write.
func TestPersist_RequiredUnconfiguredFailsClosed(t *testing.T) {
	f := sink.New(sink.Options{Mode: sink.ModeRequired})
	_, err := f.Persist(context.Background(), testInfo())
	assert.ErrorIs(t, err, sink.ErrNotConfigured)
}

func TestPersist_BestEffortUnconfiguredWarns(t *testing.T) {
	f := sink.New(sink.Options{Mode: sink.ModeBestEffort})
	receipt, err := f.Persist(context.Background(), testInfo())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Empty(t, receipt.Sinks)
	require.Len(t, receipt.Warnings, 1)
	assert.Contains(t, receipt.Warnings[0], "immutable audit sink is not configured")
}

func TestPersist_WritesEntryAndStreamObjects(t *testing.T) {
	objects := newFakeObjects()
	index := newFakeIndex()
	f := sink.New(sink.Options{
		Mode:    sink.ModeRequired,
		Objects: objects,
		Index:   index,
		Now:     func() time.Time { return time.Unix(1756166400, 0) },
	})

	info := testInfo()
	receipt, err := f.Persist(context.Background(), info)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, "required", receipt.Mode)
	assert.Len(t, receipt.PayloadHash, 64)

	sinks := map[string]bool{}
	for _, ref := range receipt.Sinks {
		sinks[ref.Sink] = true
		assert.True(t, sink.AcceptedSinkTypes[ref.Sink])
	}
	assert.True(t, sinks[sink.SinkR2Entry])
	assert.True(t, sinks[sink.SinkR2Stream])
	assert.True(t, sinks[sink.SinkKVIndex])

	_, ok := objects.objects[sink.ObjectKeyEntry(info.Hash)]
	assert.True(t, ok)
	_, ok = index.puts[sink.IndexKey(info.Hash)]
	assert.True(t, ok)
}

// Re-persisting the same entry is idempotent: put-if-absent finds identical
// bytes and accepts.
func TestPersist_IdempotentReplay(t *testing.T) {
	objects := newFakeObjects()
	f := sink.New(sink.Options{Mode: sink.ModeRequired, Objects: objects})

	_, err := f.Persist(context.Background(), testInfo())
	require.NoError(t, err)
	receipt, err := f.Persist(context.Background(), testInfo())
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Sinks)
}

// Same key, different bytes is tampering and must surface as a conflict.
func TestPersist_ConflictOnByteMismatch(t *testing.T) {
	objects := newFakeObjects()
	f := sink.New(sink.Options{Mode: sink.ModeRequired, Objects: objects})

	info := testInfo()
	objects.objects[sink.ObjectKeyEntry(info.Hash)] = []byte(`{"forged":true}`)

	_, err := f.Persist(context.Background(), info)
	assert.ErrorIs(t, err, sink.ErrConflict)
}

func TestPersist_BestEffortCollectsWarningsOnFailure(t *testing.T) {
	objects := newFakeObjects()
	objects.putErr = errors.New("bucket unavailable")
	f := sink.New(sink.Options{Mode: sink.ModeBestEffort, Objects: objects})

	receipt, err := f.Persist(context.Background(), testInfo())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.NotEmpty(t, receipt.Warnings)
	assert.Contains(t, receipt.Warnings[len(receipt.Warnings)-1], "no immutable sink accepted this entry")
}

// The KV index is never blocking: an index failure in required mode still
// succeeds as long as an accepting sink took the entry.
func TestPersist_IndexFailureIsNonBlocking(t *testing.T) {
	objects := newFakeObjects()
	index := newFakeIndex()
	index.putErr = errors.New("redis down")
	f := sink.New(sink.Options{Mode: sink.ModeRequired, Objects: objects, Index: index})

	receipt, err := f.Persist(context.Background(), testInfo())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.NotEmpty(t, receipt.Warnings)
	for _, ref := range receipt.Sinks {
		assert.NotEqual(t, sink.SinkKVIndex, ref.Sink)
	}
}

func TestObjectKeys(t *testing.T) {
	hash := "ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00"
	assert.Equal(t, "audit/immutable/entry/"+hash+".json", sink.ObjectKeyEntry(hash))

	streamKey := sink.ObjectKeyStream("evt/1", "2026-01-02T03:04:05.000Z", hash)
	assert.Equal(t, "audit/immutable/stream/evt%2F1/2026-01-02T03-04-05-000Z_"+hash+".json", streamKey)

	assert.Equal(t, "audit:immutable:"+hash, sink.IndexKey(hash))
}

func TestPayloadFor_StampsSourceAndVersion(t *testing.T) {
	f := sink.New(sink.Options{Mode: sink.ModeRequired, Source: "shard-a"})
	payload, hash, err := f.PayloadFor(map[string]any{"event": "USER_CLAIM"})
	require.NoError(t, err)
	assert.Equal(t, `{"entry":{"event":"USER_CLAIM"},"source":"shard-a","version":1}`, string(payload))
	assert.Len(t, hash, 64)
}
