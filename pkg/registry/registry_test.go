package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "registry.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return NewRegistry(store, nil)
}

func TestCreateAndGetService(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateService(ctx, "billing", "team-a", []string{"prod"}, []string{"payments"}, "https://git.example.com/billing")
	require.NoError(t, err)
	assert.NotEmpty(t, svc.ID)
	assert.Equal(t, types.LifecycleActive, svc.Lifecycle)
	assert.Equal(t, int64(0), svc.Version)

	got, err := reg.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", got.DisplayName)
}

func TestCreateServiceRequiresDisplayName(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.CreateService(context.Background(), "", "team-a", nil, nil, "")
	assert.True(t, errdefs.IsValidation(err))
}

func TestOrphanQuery(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.CreateService(ctx, "owned", "team-a", nil, nil, "")
	require.NoError(t, err)
	orphan, err := reg.CreateService(ctx, "orphan", "", nil, nil, "")
	require.NoError(t, err)

	orphans, err := reg.ListOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan.ID, orphans[0].ID)
}

func TestUpdateBumpsVersion(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateService(ctx, "billing", "team-a", nil, nil, "")
	require.NoError(t, err)

	updated, err := reg.UpdateService(ctx, svc.ID, "billing-v2", nil, []string{"core"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, "billing-v2", updated.DisplayName)

	retired, err := reg.SetLifecycle(ctx, svc.ID, types.LifecycleRetired)
	require.NoError(t, err)
	assert.Equal(t, int64(2), retired.Version)
}

func TestSetOwnerClaimsOrphan(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateService(ctx, "orphan", "", nil, nil, "")
	require.NoError(t, err)

	claimed, err := reg.SetOwner(ctx, svc.ID, "team-b")
	require.NoError(t, err)
	assert.Equal(t, "team-b", claimed.OwnerTeamID)

	orphans, err := reg.ListOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestGrantShareInvariants(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateService(ctx, "billing", "team-a", nil, nil, "")
	require.NoError(t, err)

	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToTeam, "team-b", nil, nil, nil, "alice")
	assert.True(t, errdefs.IsValidation(err), "permissions must be non-empty")

	past := time.Now().UTC().Add(-time.Hour)
	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToTeam, "team-b",
		[]types.SharePermission{types.PermissionView}, nil, &past, "alice")
	assert.True(t, errdefs.IsValidation(err), "expiry must be after creation")

	_, err = reg.GrantShare(ctx, "ghost", types.GrantToTeam, "team-b",
		[]types.SharePermission{types.PermissionView}, nil, nil, "alice")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGrantShareActiveTupleUniqueness(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateService(ctx, "billing", "team-a", nil, nil, "")
	require.NoError(t, err)

	perms := []types.SharePermission{types.PermissionView}
	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToTeam, "team-b", perms, []string{"prod"}, nil, "alice")
	require.NoError(t, err)

	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToTeam, "team-b", perms, []string{"prod"}, nil, "alice")
	assert.True(t, errdefs.IsConflict(err), "duplicate active tuple rejected")

	// A different environment set is a different tuple.
	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToTeam, "team-b", perms, []string{"staging"}, nil, "alice")
	assert.NoError(t, err)

	// A different grantee is a different tuple.
	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToUser, "bob", perms, []string{"prod"}, nil, "alice")
	assert.NoError(t, err)
}

func TestExpiredShareFreesTheTuple(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateService(ctx, "billing", "team-a", nil, nil, "")
	require.NoError(t, err)

	perms := []types.SharePermission{types.PermissionView}
	soon := time.Now().UTC().Add(time.Millisecond)
	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToTeam, "team-b", perms, nil, &soon, "alice")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = reg.GrantShare(ctx, svc.ID, types.GrantToTeam, "team-b", perms, nil, nil, "alice")
	assert.NoError(t, err, "an expired share no longer blocks the tuple")

	shares, err := reg.ListShares(ctx, svc.ID)
	require.NoError(t, err)
	assert.Len(t, shares, 2)
}

func TestApplyApprovedRequests(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	svc, err := reg.CreateService(ctx, "orphan", "", nil, nil, "")
	require.NoError(t, err)

	claim := &types.ApprovalRequest{
		RequestType: types.RequestClaimOwnership,
		Status:      types.StatusApproved,
		Target:      types.RequestTarget{ServiceID: svc.ID},
		Snapshot:    types.RequesterSnapshot{TeamIDs: []string{"team-a"}},
	}
	require.NoError(t, reg.Apply(ctx, claim))
	got, err := reg.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "team-a", got.OwnerTeamID)

	share := &types.ApprovalRequest{
		RequestType:     types.RequestGrantShare,
		Status:          types.StatusApproved,
		Target:          types.RequestTarget{ServiceID: svc.ID, TeamID: "team-b"},
		RequesterUserID: "alice",
	}
	require.NoError(t, reg.Apply(ctx, share))
	shares, err := reg.ListShares(ctx, svc.ID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, "team-b", shares[0].GrantToID)

	retire := &types.ApprovalRequest{
		RequestType: types.RequestRetireService,
		Status:      types.StatusApproved,
		Target:      types.RequestTarget{ServiceID: svc.ID},
	}
	require.NoError(t, reg.Apply(ctx, retire))
	got, err = reg.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleRetired, got.Lifecycle)
}

func TestApplyRejectsNonApproved(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.Apply(context.Background(), &types.ApprovalRequest{Status: types.StatusPending})
	assert.True(t, errdefs.IsValidation(err))
}
