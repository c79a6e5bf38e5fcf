package identity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wene-labs/ledger/pkg/identity"
	"github.com/wene-labs/ledger/pkg/store"
)

func newService(cfg identity.Config) *identity.Service {
	return identity.NewService(store.NewMemoryKV(), cfg)
}

func TestAuthenticate_MasterAndDemo(t *testing.T) {
	s := newService(identity.Config{MasterPassword: "master-secret", DemoPassword: "demo-secret"})
	ctx := context.Background()

	op, err := s.Authenticate(ctx, "master-secret")
	require.NoError(t, err)
	assert.Equal(t, "master", op.AdminID)
	assert.True(t, op.IsMaster())

	op, err = s.Authenticate(ctx, "demo-secret")
	require.NoError(t, err)
	assert.Equal(t, identity.SourceDemo, op.Source)
	assert.False(t, op.IsMaster())

	_, err = s.Authenticate(ctx, "wrong")
	assert.ErrorIs(t, err, identity.ErrUnauthorized)

	_, err = s.Authenticate(ctx, "")
	assert.ErrorIs(t, err, identity.ErrUnauthorized)
}

// The shipped placeholder password must never authenticate.
func TestAuthenticate_PlaceholderDisablesMaster(t *testing.T) {
	s := newService(identity.Config{MasterPassword: identity.DefaultPasswordPlaceholder})
	_, err := s.Authenticate(context.Background(), identity.DefaultPasswordPlaceholder)
	assert.ErrorIs(t, err, identity.ErrUnauthorized)
	assert.False(t, s.Config().MasterEnabled())
}

func TestAuthenticate_InviteLifecycle(t *testing.T) {
	s := newService(identity.Config{MasterPassword: "master-secret"})
	ctx := context.Background()

	token, record, err := s.CreateInvite(ctx, "  Ops Team  ")
	require.NoError(t, err)
	assert.Regexp(t, "^[0-9a-f]{32}$", token)
	assert.Equal(t, "Ops Team", record.Name)
	assert.Contains(t, record.AdminID, "admin-")
	assert.Equal(t, identity.SourceInvite, record.Source)

	op, err := s.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, record.AdminID, op.AdminID)
	assert.Equal(t, identity.SourceInvite, op.Source)

	renamed, err := s.RenameInvite(ctx, token, "Night Shift")
	require.NoError(t, err)
	assert.Equal(t, "Night Shift", renamed.Name)

	revoked, err := s.RevokeInvite(ctx, token, "master")
	require.NoError(t, err)
	assert.True(t, revoked.Revoked())
	assert.Equal(t, "master", revoked.RevokedBy)

	_, err = s.Authenticate(ctx, token)
	assert.ErrorIs(t, err, identity.ErrUnauthorized)
}

// Revocation is idempotent and keeps the original revocation facts.
func TestRevokeInvite_Idempotent(t *testing.T) {
	s := newService(identity.Config{})
	ctx := context.Background()

	token, _, err := s.CreateInvite(ctx, "x")
	require.NoError(t, err)

	first, err := s.RevokeInvite(ctx, token, "master")
	require.NoError(t, err)
	second, err := s.RevokeInvite(ctx, token, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, first.RevokedAt, second.RevokedAt)
	assert.Equal(t, "master", second.RevokedBy)
}

func TestRevokeInvite_NotFound(t *testing.T) {
	s := newService(identity.Config{})
	_, err := s.RevokeInvite(context.Background(), "00000000000000000000000000000000", "master")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

// Revoked invites stay listed when asked for; default listings hide them.
func TestListInvites(t *testing.T) {
	s := newService(identity.Config{})
	ctx := context.Background()

	liveToken, _, err := s.CreateInvite(ctx, "live")
	require.NoError(t, err)
	deadToken, _, err := s.CreateInvite(ctx, "dead")
	require.NoError(t, err)
	_, err = s.RevokeInvite(ctx, deadToken, "master")
	require.NoError(t, err)

	active, err := s.ListInvites(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, liveToken, active[0].Token)

	all, err := s.ListInvites(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// Tokens that do not look like invite tokens never hit the store.
func TestAuthenticate_RejectsMalformedTokens(t *testing.T) {
	s := newService(identity.Config{})
	ctx := context.Background()

	for _, token := range []string{"short", "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", "0000000000000000000000000000000000"} {
		_, err := s.Authenticate(ctx, token)
		assert.ErrorIs(t, err, identity.ErrUnauthorized, "token %q", token)
	}
}
