package permissions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/adminaccess/internal/models"
)

// fakeRoleSource serves roles from memory and counts lookups.
type fakeRoleSource struct {
	mu    sync.Mutex
	roles map[string][]models.Role
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func newFakeRoleSource() *fakeRoleSource {
	return &fakeRoleSource{roles: make(map[string][]models.Role)}
}

func (f *fakeRoleSource) set(userID string, roles ...models.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[userID] = roles
}

func (f *fakeRoleSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRoleSource) ActiveRolesForUser(ctx context.Context, userID string) ([]models.Role, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Role(nil), f.roles[userID]...), nil
}

func testRole(name string, p models.RolePermissions) models.Role {
	role := models.Role{Name: name, DisplayName: name, IsActive: true}
	role.SetGrant(p)
	return role
}

func newTestResolver(t *testing.T, source RoleSource, opts ...ResolverOption) *Resolver {
	t.Helper()
	resolver, err := NewResolver(source, DefaultCatalog(), opts...)
	require.NoError(t, err)
	return resolver
}

func TestResolverPropertyAgentScenario(t *testing.T) {
	source := newFakeRoleSource()
	source.set("u1", testRole("property_agent", models.RolePermissions{Modules: []string{"real_estate"}, Actions: []string{"read"}}))
	resolver := newTestResolver(t, source)

	grants, err := resolver.ResolveGrants(context.Background(), "u1")
	require.NoError(t, err)

	d := resolver.HasPermission(grants, "real_estate.property.read")
	require.True(t, d.Allowed)
	require.Equal(t, ReasonModuleGrant, d.Reason)

	d = resolver.HasPermission(grants, "blog.post.read")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonDenied, d.Reason)
}

func TestResolverLeafGrantDoesNotCoverSibling(t *testing.T) {
	source := newFakeRoleSource()
	source.set("u1", testRole("r", models.RolePermissions{Modules: []string{"real_estate.property"}, Actions: []string{"read"}}))
	resolver := newTestResolver(t, source)

	grants, err := resolver.ResolveGrants(context.Background(), "u1")
	require.NoError(t, err)

	require.True(t, resolver.HasPermission(grants, "real_estate.property.read").Allowed)
	require.False(t, resolver.HasPermission(grants, "real_estate.agency.read").Allowed)
	require.False(t, resolver.HasPermission(grants, "real_estate.read").Allowed)
}

func TestResolverUnionsActiveRolesOnly(t *testing.T) {
	inactive := testRole("retired", models.RolePermissions{Modules: []string{"blog"}, Actions: []string{"manage"}})
	inactive.IsActive = false

	source := newFakeRoleSource()
	source.set("u1",
		testRole("viewer", models.RolePermissions{Modules: []string{"tickets"}, Actions: []string{"read"}}),
		testRole("exporter", models.RolePermissions{SpecificPermissions: []string{"tickets.ticket.export"}}),
		inactive,
	)
	resolver := newTestResolver(t, source)

	grants, err := resolver.ResolveGrants(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"tickets"}, grants.Modules())
	require.Equal(t, []string{"tickets.ticket.export"}, grants.Explicit())

	d := resolver.HasPermission(grants, "tickets.ticket.export")
	require.True(t, d.Allowed)
	require.Equal(t, ReasonExplicitGrant, d.Reason)
	require.False(t, resolver.HasPermission(grants, "blog.post.read").Allowed)
}

func TestResolverFailsClosedOnBadIDs(t *testing.T) {
	source := newFakeRoleSource()
	source.set("u1", testRole("all", models.RolePermissions{Modules: []string{"reports", "blog"}, Actions: []string{"manage"}}))
	resolver := newTestResolver(t, source)

	grants, err := resolver.ResolveGrants(context.Background(), "u1")
	require.NoError(t, err)

	d := resolver.HasPermission(grants, "blog.post.publish")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonMalformed, d.Reason)

	d = resolver.HasPermission(grants, "reports.read")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonUnknown, d.Reason)

	lenient := newTestResolver(t, source, WithStrictCatalog(false))
	require.True(t, lenient.HasPermission(grants, "reports.read").Allowed)
}

func TestResolverRequiredModulesMatch(t *testing.T) {
	source := newFakeRoleSource()
	source.set("u1", testRole("property_agent", models.RolePermissions{Modules: []string{"real_estate"}, Actions: []string{"read"}}))
	resolver := newTestResolver(t, source)

	grants, err := resolver.ResolveGrants(context.Background(), "u1")
	require.NoError(t, err)

	d := resolver.RequiredModulesMatch(grants, []string{"real_estate_properties"}, true)
	require.True(t, d.Allowed)
	require.Equal(t, ReasonModulesMatched, d.Reason)

	require.False(t, resolver.RequiredModulesMatch(grants, []string{"real_estate", "blog"}, true).Allowed)
	require.True(t, resolver.RequiredModulesMatch(grants, []string{"real_estate", "blog"}, false).Allowed)

	d = resolver.RequiredModulesMatch(grants, nil, false)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonInvalidRequest, d.Reason)
}

func TestResolverPropagatesSourceErrors(t *testing.T) {
	source := newFakeRoleSource()
	source.fail(errors.New("connection refused"))
	resolver := newTestResolver(t, source)

	_, err := resolver.ResolveGrants(context.Background(), "u1")
	require.ErrorContains(t, err, "connection refused")

	_, err = resolver.ResolveGrants(context.Background(), "  ")
	require.Error(t, err)
}

func TestNewResolverRequiresDependencies(t *testing.T) {
	_, err := NewResolver(nil, DefaultCatalog())
	require.Error(t, err)
	_, err = NewResolver(newFakeRoleSource(), nil)
	require.Error(t, err)
}
