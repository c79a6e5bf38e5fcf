package claims_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wene-labs/ledger/pkg/claims"
	"github.com/wene-labs/ledger/pkg/store"
)

// claimFixture is a store with a published event and a controllable clock.
type claimFixture struct {
	store *claims.Store
	event *claims.Event
	now   time.Time
}

func newClaimFixture(t *testing.T, maxClaims *int, intervalDays int) *claimFixture {
	t.Helper()
	f := &claimFixture{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	f.store = claims.NewStore(store.NewMemoryKV(), nil).
		WithClock(func() time.Time { return f.now })

	ev, err := f.store.CreateEvent(context.Background(), claims.Event{
		Title:                "Festival",
		State:                claims.EventStatePublished,
		ClaimIntervalDays:    intervalDays,
		MaxClaimsPerInterval: maxClaims,
	}, masterOwner())
	require.NoError(t, err)
	f.event = ev
	return f
}

func TestSubmitClaim_FoldsFailuresIntoOutcome(t *testing.T) {
	f := newClaimFixture(t, nil, 1)
	ctx := context.Background()

	out, err := f.store.SubmitClaim(ctx, claims.SubmitRequest{})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, claims.FailureInvalid, out.FailureKind)

	out, err = f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: "missing", WalletAddress: "w"})
	require.NoError(t, err)
	assert.Equal(t, claims.FailureNotFound, out.FailureKind)

	out, err = f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID})
	require.NoError(t, err)
	assert.Equal(t, claims.FailureWalletRequired, out.FailureKind)
}

func TestSubmitClaim_RejectsUnpublishedEvent(t *testing.T) {
	f := newClaimFixture(t, nil, 1)
	ctx := context.Background()

	draft, err := f.store.CreateEvent(ctx, claims.Event{Title: "draft"}, masterOwner())
	require.NoError(t, err)

	out, err := f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: draft.ID, WalletAddress: "w"})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, claims.FailureEligibility, out.FailureKind)
}

// With no per-interval cap, repeat claims keep appending to history.
func TestSubmitClaim_UnlimitedRepeatClaims(t *testing.T) {
	f := newClaimFixture(t, nil, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID, WalletAddress: "wallet-1"})
		require.NoError(t, err)
		assert.True(t, out.OK)
		assert.False(t, out.AlreadyJoined)
		f.now = f.now.Add(time.Hour)
	}

	record, err := f.store.GetClaimRecord(ctx, f.event.ID, "wallet-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Len(t, record.History, 3)
}

// Interval policy: max 2 claims per 7 days. The third attempt inside the
// window reports alreadyJoined; after the window slides, claims resume.
func TestSubmitClaim_IntervalWindowRatePolicy(t *testing.T) {
	two := 2
	f := newClaimFixture(t, &two, 7)
	ctx := context.Background()
	req := claims.SubmitRequest{EventID: f.event.ID, WalletAddress: "wallet-1"}

	out, err := f.store.SubmitClaim(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, out.AlreadyJoined)

	f.now = f.now.Add(24 * time.Hour)
	out, err = f.store.SubmitClaim(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, out.AlreadyJoined)

	f.now = f.now.Add(24 * time.Hour)
	out, err = f.store.SubmitClaim(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.True(t, out.AlreadyJoined)

	// Nine days after the first claim the window is empty again.
	f.now = f.now.Add(7 * 24 * time.Hour)
	out, err = f.store.SubmitClaim(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.False(t, out.AlreadyJoined)
}

func TestSubmitClaim_SubjectNormalization(t *testing.T) {
	one := 1
	f := newClaimFixture(t, &one, 1)
	ctx := context.Background()

	out, err := f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID, WalletAddress: "  Alice   Smith  "})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "Alice Smith", out.Subject)

	// Differently spaced input resolves to the same subject.
	out, err = f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID, WalletAddress: "Alice Smith"})
	require.NoError(t, err)
	assert.True(t, out.AlreadyJoined)
}

func TestSubmitClaim_WalletTakesPrecedenceOverJoinToken(t *testing.T) {
	f := newClaimFixture(t, nil, 1)
	out, err := f.store.SubmitClaim(context.Background(), claims.SubmitRequest{
		EventID:       f.event.ID,
		WalletAddress: "wallet-1",
		JoinToken:     "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "wallet-1", out.Subject)
}

func TestSubmitClaim_AttachesReservedConfirmationCode(t *testing.T) {
	one := 1
	f := newClaimFixture(t, &one, 1)
	ctx := context.Background()

	out, err := f.store.SubmitClaim(ctx, claims.SubmitRequest{
		EventID:          f.event.ID,
		WalletAddress:    "wallet-1",
		ConfirmationCode: "ABC234",
	})
	require.NoError(t, err)
	assert.Equal(t, "ABC234", out.ConfirmationCode)

	// The stored code comes back on the alreadyJoined path.
	out, err = f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID, WalletAddress: "wallet-1"})
	require.NoError(t, err)
	assert.True(t, out.AlreadyJoined)
	assert.Equal(t, "ABC234", out.ConfirmationCode)
}

func TestGetClaimants_SortedByFirstClaim(t *testing.T) {
	f := newClaimFixture(t, nil, 1)
	ctx := context.Background()

	for _, wallet := range []string{"zz-wallet", "aa-wallet", "mm-wallet"} {
		_, err := f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID, WalletAddress: wallet})
		require.NoError(t, err)
		f.now = f.now.Add(time.Minute)
	}

	records, err := f.store.GetClaimants(ctx, f.event.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "zz-wallet", records[0].Subject)
	assert.Equal(t, "aa-wallet", records[1].Subject)
	assert.Equal(t, "mm-wallet", records[2].Subject)
}

func TestHasClaimed(t *testing.T) {
	f := newClaimFixture(t, nil, 1)
	ctx := context.Background()

	claimed, err := f.store.HasClaimed(ctx, f.event.ID, "wallet-1")
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID, WalletAddress: "wallet-1"})
	require.NoError(t, err)

	claimed, err = f.store.HasClaimed(ctx, f.event.ID, "wallet-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSetLatestClaimConfirmationCode(t *testing.T) {
	f := newClaimFixture(t, nil, 1)
	ctx := context.Background()

	err := f.store.SetLatestClaimConfirmationCode(ctx, f.event.ID, "wallet-1", "ABC234")
	require.Error(t, err)

	_, err = f.store.SubmitClaim(ctx, claims.SubmitRequest{EventID: f.event.ID, WalletAddress: "wallet-1"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetLatestClaimConfirmationCode(ctx, f.event.ID, "wallet-1", "ABC234"))

	record, err := f.store.GetClaimRecord(ctx, f.event.ID, "wallet-1")
	require.NoError(t, err)
	assert.Equal(t, "ABC234", record.ConfirmationCode)
}
