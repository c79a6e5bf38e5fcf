package disclosure_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/disclosure"
	"github.com/wene-labs/ledger/pkg/identity"
	"github.com/wene-labs/ledger/pkg/sink"
	"github.com/wene-labs/ledger/pkg/store"
)

// graphFixture wires a full shard: an invited admin owning one event, plus a
// claim transfer attributable to it.
type graphFixture struct {
	kv      *store.MemoryKV
	chain   *audit.Chain
	events  *claims.Store
	ident   *identity.Service
	service *disclosure.Service
	adminID string
	token   string
	event   *claims.Event
	now     time.Time
}

func newGraphFixture(t *testing.T) *graphFixture {
	t.Helper()
	f := &graphFixture{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryKV()
	f.kv = kv
	n := 0
	clock := func() time.Time {
		n++
		return f.now.Add(time.Duration(n) * time.Millisecond)
	}
	f.chain = audit.NewChain(kv, sink.New(sink.Options{Mode: sink.ModeOff})).WithClock(clock)
	f.events = claims.NewStore(kv, nil)
	f.ident = identity.NewService(kv, identity.Config{MasterPassword: "master-secret"})

	ctx := context.Background()
	token, record, err := f.ident.CreateInvite(ctx, "Green School")
	require.NoError(t, err)
	f.token = token
	f.adminID = record.AdminID

	ev, err := f.events.CreateEvent(ctx, claims.Event{
		Title: "Autumn Fair",
		Host:  "Green School",
		State: claims.EventStatePublished,
	}, claims.OwnerLink{AdminID: record.AdminID, Name: record.Name, Source: identity.SourceInvite})
	require.NoError(t, err)
	f.event = ev

	_, err = f.chain.Append(ctx, "WALLET_CLAIM", audit.Actor{Type: "wallet", ID: "abcd...wxyz"},
		map[string]any{
			"eventId":           ev.ID,
			"confirmationCode":  "ABC234",
			"ticketTokenAmount": 5,
			"walletAddress":     "WalletPubkey111",
		}, ev.ID)
	require.NoError(t, err)

	f.service = disclosure.NewService(f.chain, f.events, f.ident, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"autumn", "fair", "2026"}, disclosure.Tokenize("Autumn.Fair/2026"))
	assert.Equal(t, []string{"a", "b"}, disclosure.Tokenize("a b a B"))
	assert.Empty(t, disclosure.Tokenize("...///"))

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	tokens := disclosure.Tokenize(string(long))
	require.Len(t, tokens, 1)
	assert.Len(t, tokens[0], 64)
}

func TestListTransfers_ProjectsClaims(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	transfers, err := f.service.ListTransfers(ctx, disclosure.RoleMaster, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	tr := transfers[0]
	assert.Equal(t, "WALLET_CLAIM", tr.Event)
	assert.Equal(t, f.event.ID, tr.EventID)
	assert.Equal(t, int64(5), tr.Amount)
	assert.Equal(t, "grant:"+f.event.ID, tr.Authority)
	assert.Equal(t, "WalletPubkey111", tr.PII["walletAddress"])

	// Non-master roles see no PII.
	transfers, err = f.service.ListTransfers(ctx, disclosure.RoleAdmin, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Nil(t, transfers[0].PII)
}

func TestBuildDisclosures_OwnedEventAndRelatedUsers(t *testing.T) {
	f := newGraphFixture(t)

	graph, err := f.service.BuildDisclosures(context.Background(), disclosure.Options{})
	require.NoError(t, err)
	require.Len(t, graph, 1)

	d := graph[0]
	assert.Equal(t, f.token, d.Token)
	assert.Equal(t, f.adminID, d.Admin.AdminID)
	require.Len(t, d.Events, 1)
	assert.Equal(t, "Autumn Fair", d.Events[0].Title)
	require.Len(t, d.RelatedUsers, 1)
	assert.Equal(t, "WalletPubkey111", d.RelatedUsers[0].Key)
	assert.Equal(t, "walletAddress", d.RelatedUsers[0].Kind)
	assert.Equal(t, 1, d.RelatedUsers[0].Transfers)
}

// Ownerless events attach by host name only while the name is unambiguous.
func TestBuildDisclosures_HostNameFallback(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	// Seed-only event: present in listings but without an owner link.
	seeded := claims.NewStore(f.kv, []claims.Event{
		{ID: "seed-1", Title: "Seeded Fair", Host: "green  SCHOOL", State: claims.EventStatePublished},
	})
	svc := disclosure.NewService(f.chain, seeded, f.ident, nil)

	graph, err := svc.BuildDisclosures(ctx, disclosure.Options{})
	require.NoError(t, err)
	require.Len(t, graph, 1)
	ids := map[string]bool{}
	for _, ev := range graph[0].Events {
		ids[ev.ID] = true
	}
	assert.True(t, ids["seed-1"], "host-name matched event missing")

	// A second admin with the same name makes the match ambiguous.
	_, _, err = f.ident.CreateInvite(ctx, "Green School")
	require.NoError(t, err)
	graph, err = svc.BuildDisclosures(ctx, disclosure.Options{})
	require.NoError(t, err)
	for _, d := range graph {
		for _, ev := range d.Events {
			assert.NotEqual(t, "seed-1", ev.ID)
		}
	}
}

func TestSearch_RanksAndFilters(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	hits, err := f.service.Search(ctx, "autumn", disclosure.Options{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, disclosure.DocKindEvent, hits[0].Document.Kind)
	assert.Equal(t, "Autumn Fair", hits[0].Document.Title)

	// Prefix matching: a 3-character prefix still resolves.
	hits, err = f.service.Search(ctx, "aut", disclosure.Options{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Autumn Fair", hits[0].Document.Title)

	// Multi-term queries intersect.
	hits, err = f.service.Search(ctx, "autumn zebra", disclosure.Options{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = f.service.Search(ctx, "", disclosure.Options{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// The cache serves repeat queries until a chain mutation moves the global head.
func TestSearch_CacheInvalidatedByNewAppend(t *testing.T) {
	f := newGraphFixture(t)
	ctx := context.Background()

	hits, err := f.service.Search(ctx, "walletpubkey111", disclosure.Options{}, 10)
	require.NoError(t, err)
	before := len(hits)
	assert.Greater(t, before, 0)

	_, err = f.chain.Append(ctx, "WALLET_CLAIM", audit.Actor{Type: "wallet", ID: "efgh...stuv"},
		map[string]any{
			"eventId":           f.event.ID,
			"confirmationCode":  "DEF567",
			"ticketTokenAmount": 5,
			"walletAddress":     "OtherWallet222",
		}, f.event.ID)
	require.NoError(t, err)

	hits, err = f.service.Search(ctx, "otherwallet222", disclosure.Options{}, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestSearch_LimitApplied(t *testing.T) {
	f := newGraphFixture(t)
	hits, err := f.service.Search(context.Background(), "green", disclosure.Options{}, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 1)
}
