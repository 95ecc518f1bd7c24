package rbac_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkauth/idp/internal/rbac"
	"github.com/darkauth/idp/storage"
	"github.com/darkauth/idp/storage/memory"
)

func TestResolveUnionOfDirectAndGroupPermissions(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())

	user := "user-1"
	require.NoError(t, store.SetUserPermissions(ctx, user, []string{"profile:read"}))
	require.NoError(t, store.CreateGroup(ctx, storage.Group{Key: "eng", Permissions: []string{"repo:read", "profile:read"}}))
	require.NoError(t, store.AddUserToGroup(ctx, "eng", user))

	resolver := rbac.New(store)
	perms, err := resolver.Resolve(ctx, user)
	require.NoError(t, err)
	require.Equal(t, []string{"profile:read", "repo:read"}, perms)
}

func TestResolveOrganizationContextPrefersRequested(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())

	require.NoError(t, store.CreateOrganization(ctx, storage.Organization{ID: "org-a", Slug: "a-team", CreatedAt: time.Now()}))
	require.NoError(t, store.CreateOrganization(ctx, storage.Organization{ID: "org-b", Slug: "b-team", CreatedAt: time.Now()}))
	require.NoError(t, store.CreateRole(ctx, storage.Role{Key: "member", Permissions: []string{"org:view"}}))

	user := "user-1"
	require.NoError(t, store.UpsertOrganizationMember(ctx, storage.OrganizationMember{
		OrganizationID: "org-a", UserSub: user, Status: storage.OrgMemberActive, RoleKeys: []string{"member"}, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.UpsertOrganizationMember(ctx, storage.OrganizationMember{
		OrganizationID: "org-b", UserSub: user, Status: storage.OrgMemberActive, RoleKeys: []string{"member"}, CreatedAt: time.Now(),
	}))

	resolver := rbac.New(store)

	// No requested org: deterministic lowest-slug default ("a-team").
	claims, err := resolver.ResolveWithOrganization(ctx, user, "")
	require.NoError(t, err)
	require.Equal(t, "org-a", claims.OrganizationID)
	require.Equal(t, []string{"org:view"}, claims.OrganizationPermissions)

	// Explicit request for an active membership wins.
	claims, err = resolver.ResolveWithOrganization(ctx, user, "org-b")
	require.NoError(t, err)
	require.Equal(t, "org-b", claims.OrganizationID)
}

func TestResolveOrganizationContextNoActiveMembership(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.Default())

	claims, err := rbac.New(store).ResolveWithOrganization(ctx, "nobody", "")
	require.NoError(t, err)
	require.Empty(t, claims.OrganizationID)
}
