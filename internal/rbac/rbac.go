// Package rbac resolves, for a user subject and an optional organization,
// the permission set an issued token carries. It reads roles, groups, and
// organization membership straight from storage.Storage, so the result is
// read-only and deterministic for a fixed database snapshot.
package rbac

import (
	"context"
	"fmt"
	"sort"

	"github.com/darkauth/idp/storage"
)

// Resolver composes effective permissions from a Storage backend.
type Resolver struct {
	store storage.Storage
}

// New returns a Resolver backed by store.
func New(store storage.Storage) *Resolver {
	return &Resolver{store: store}
}

// Claims is the output of resolving a subject's RBAC context for a token.
type Claims struct {
	Permissions             []string
	OrganizationID          string
	OrganizationSlug        string
	RoleKeys                []string
	OrganizationPermissions []string
}

// Resolve returns the union of a user's direct permissions and the
// permissions of every group the user belongs to, deduplicated and sorted.
func (r *Resolver) Resolve(ctx context.Context, userSub string) ([]string, error) {
	direct, err := r.store.ListUserPermissions(ctx, userSub)
	if err != nil {
		return nil, fmt.Errorf("list user permissions: %w", err)
	}

	groups, err := r.store.ListUserGroups(ctx, userSub)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}

	set := make(map[string]struct{}, len(direct))
	for _, p := range direct {
		set[p] = struct{}{}
	}
	for _, g := range groups {
		for _, p := range g.Permissions {
			set[p] = struct{}{}
		}
	}

	return sortedKeys(set), nil
}

// ResolveOrganizationContext selects the organization a token should carry:
// requestedOrgID if the user is an active member of it, else the active
// membership with the lexicographically lowest organization slug, else
// none (ok=false).
func (r *Resolver) ResolveOrganizationContext(ctx context.Context, userSub, requestedOrgID string) (storage.OrganizationMember, storage.Organization, bool, error) {
	memberships, err := r.store.ListOrganizationMembersForUser(ctx, userSub)
	if err != nil {
		return storage.OrganizationMember{}, storage.Organization{}, false, fmt.Errorf("list organization memberships: %w", err)
	}

	active := make([]storage.OrganizationMember, 0, len(memberships))
	for _, m := range memberships {
		if m.Status == storage.OrgMemberActive {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return storage.OrganizationMember{}, storage.Organization{}, false, nil
	}

	if requestedOrgID != "" {
		for _, m := range active {
			if m.OrganizationID == requestedOrgID {
				org, err := r.store.GetOrganization(ctx, m.OrganizationID)
				if err != nil {
					return storage.OrganizationMember{}, storage.Organization{}, false, fmt.Errorf("get organization: %w", err)
				}
				return m, org, true, nil
			}
		}
	}

	orgsByMember := make(map[string]storage.Organization, len(active))
	for _, m := range active {
		org, err := r.store.GetOrganization(ctx, m.OrganizationID)
		if err != nil {
			return storage.OrganizationMember{}, storage.Organization{}, false, fmt.Errorf("get organization: %w", err)
		}
		orgsByMember[m.OrganizationID] = org
	}

	sort.Slice(active, func(i, j int) bool {
		return orgsByMember[active[i].OrganizationID].Slug < orgsByMember[active[j].OrganizationID].Slug
	})
	chosen := active[0]
	return chosen, orgsByMember[chosen.OrganizationID], true, nil
}

// ResolveWithOrganization composes the full Claims for a token, including
// org-role-derived permissions when an organization context is present.
func (r *Resolver) ResolveWithOrganization(ctx context.Context, userSub, requestedOrgID string) (Claims, error) {
	perms, err := r.Resolve(ctx, userSub)
	if err != nil {
		return Claims{}, err
	}
	claims := Claims{Permissions: perms}

	member, org, ok, err := r.ResolveOrganizationContext(ctx, userSub, requestedOrgID)
	if err != nil {
		return Claims{}, err
	}
	if !ok {
		return claims, nil
	}
	claims.OrganizationID = org.ID
	claims.OrganizationSlug = org.Slug
	claims.RoleKeys = append([]string(nil), member.RoleKeys...)
	sort.Strings(claims.RoleKeys)

	roleSet := make(map[string]struct{})
	for _, key := range member.RoleKeys {
		role, err := r.store.GetRole(ctx, key)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return Claims{}, fmt.Errorf("get role %q: %w", key, err)
		}
		for _, p := range role.Permissions {
			roleSet[p] = struct{}{}
		}
	}
	claims.OrganizationPermissions = sortedKeys(roleSet)

	return claims, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
