package permissions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/adminaccess/internal/database/testutil"
	"github.com/charlesng35/adminaccess/internal/models"
	appErrors "github.com/charlesng35/adminaccess/pkg/errors"
)

type countingInvalidator struct {
	calls atomic.Int32
	err   error
}

func (c *countingInvalidator) InvalidateAll(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func canonAB() []RoleDef {
	return []RoleDef{
		{Name: "role_a", DisplayName: "Role A", Level: 10, Permissions: models.RolePermissions{Modules: []string{"blog"}, Actions: []string{"read"}}},
		{Name: "role_b", DisplayName: "Role B", Level: 20, Permissions: models.RolePermissions{Modules: []string{"tickets"}, Actions: []string{"read", "update"}}},
	}
}

func newTestSynchronizer(t *testing.T, db *gorm.DB, opts ...SyncOption) *Synchronizer {
	t.Helper()
	s, err := NewSynchronizer(db, append([]SyncOption{WithSyncCatalog(DefaultCatalog())}, opts...)...)
	require.NoError(t, err)
	return s
}

func seedSystemRole(t *testing.T, db *gorm.DB, name string) *models.Role {
	t.Helper()
	role := &models.Role{Name: name, DisplayName: name, IsSystemRole: true, IsActive: true}
	role.SetGrant(models.RolePermissions{Modules: []string{"email"}, Actions: []string{"read"}})
	require.NoError(t, db.Create(role).Error)
	return role
}

func assign(t *testing.T, db *gorm.DB, userID string, role *models.Role, active bool) {
	t.Helper()
	assignment := &models.RoleAssignment{UserID: userID, RoleID: role.ID, IsActive: true}
	require.NoError(t, db.Create(assignment).Error)
	if !active {
		require.NoError(t, db.Model(assignment).Update("is_active", false).Error)
	}
}

func loadRole(t *testing.T, db *gorm.DB, name string) (*models.Role, bool) {
	t.Helper()
	var role models.Role
	err := db.Where("name = ?", name).First(&role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	require.NoError(t, err)
	return &role, true
}

func TestSynchronizeCreatesMissingRoles(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	inv := &countingInvalidator{}
	s := newTestSynchronizer(t, db, WithCacheInvalidator(inv))

	report, err := s.Synchronize(context.Background(), canonAB(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"role_a", "role_b"}, report.Created)
	require.Equal(t, 2, report.Counts.Created)
	require.Equal(t, int32(1), inv.calls.Load())

	role, ok := loadRole(t, db, "role_b")
	require.True(t, ok)
	require.True(t, role.IsSystemRole)
	require.True(t, role.IsActive)
	require.Equal(t, []string{"read", "update"}, role.Grant().Actions)
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	inv := &countingInvalidator{}
	s := newTestSynchronizer(t, db, WithCacheInvalidator(inv))
	ctx := context.Background()

	_, err := s.Synchronize(ctx, DefaultRoles(), false)
	require.NoError(t, err)

	report, err := s.Synchronize(ctx, DefaultRoles(), false)
	require.NoError(t, err)
	require.False(t, report.Changed())
	require.Equal(t, SyncCounts{Skipped: len(DefaultRoles())}, report.Counts)
	require.Equal(t, int32(1), inv.calls.Load(), "no invalidation when nothing changed")

	report, err = s.Synchronize(ctx, DefaultRoles(), true)
	require.NoError(t, err)
	require.False(t, report.Changed(), "forcing an unchanged canon updates nothing")
}

func TestSynchronizeForceOverwritesSystemRoles(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s := newTestSynchronizer(t, db)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, canonAB(), false)
	require.NoError(t, err)

	changed := canonAB()
	changed[0].DisplayName = "Renamed"
	changed[0].Permissions.Actions = []string{"read", "export"}

	report, err := s.Synchronize(ctx, changed, false)
	require.NoError(t, err)
	require.Equal(t, []string{"role_a", "role_b"}, report.Skipped)

	report, err = s.Synchronize(ctx, changed, true)
	require.NoError(t, err)
	require.Equal(t, []string{"role_a"}, report.Updated)
	require.Equal(t, []string{"role_b"}, report.Skipped)

	role, _ := loadRole(t, db, "role_a")
	require.Equal(t, "Renamed", role.DisplayName)
	require.Equal(t, []string{"read", "export"}, role.Grant().Actions)
}

func TestSynchronizeDeletesUnassignedObsoleteRole(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s := newTestSynchronizer(t, db)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, canonAB(), false)
	require.NoError(t, err)
	roleC := seedSystemRole(t, db, "role_c")
	assign(t, db, "former", roleC, false)

	report, err := s.Synchronize(ctx, canonAB(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"role_c"}, report.Deleted)
	require.Equal(t, 1, report.Counts.Deleted)

	_, ok := loadRole(t, db, "role_c")
	require.False(t, ok)

	var remaining int64
	require.NoError(t, db.Model(&models.RoleAssignment{}).Where("role_id = ?", roleC.ID).Count(&remaining).Error)
	require.Zero(t, remaining)
}

func TestSynchronizeDemotesAssignedObsoleteRole(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s := newTestSynchronizer(t, db)
	ctx := context.Background()

	_, err := s.Synchronize(ctx, canonAB(), false)
	require.NoError(t, err)
	roleC := seedSystemRole(t, db, "role_c")
	assign(t, db, "u1", roleC, true)

	report, err := s.Synchronize(ctx, canonAB(), false)
	require.NoError(t, err)
	require.Equal(t, []string{"role_c"}, report.Demoted)
	require.Empty(t, report.Deleted)

	role, ok := loadRole(t, db, "role_c")
	require.True(t, ok)
	require.False(t, role.IsSystemRole)

	var assignment models.RoleAssignment
	require.NoError(t, db.Where("role_id = ? AND user_id = ?", roleC.ID, "u1").First(&assignment).Error)
	require.True(t, assignment.IsActive)

	// a demoted role is custom now and later runs leave it alone
	report, err = s.Synchronize(ctx, canonAB(), false)
	require.NoError(t, err)
	require.False(t, report.Changed())
}

func TestSynchronizeLeavesCustomRoleWithCanonicalName(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	custom := &models.Role{Name: "role_a", DisplayName: "Mine", IsActive: true}
	require.NoError(t, db.Create(custom).Error)
	s := newTestSynchronizer(t, db)

	report, err := s.Synchronize(context.Background(), canonAB(), true)
	require.NoError(t, err)
	require.Equal(t, []string{"role_a"}, report.Conflicts)
	require.Equal(t, []string{"role_b"}, report.Created)

	role, _ := loadRole(t, db, "role_a")
	require.Equal(t, "Mine", role.DisplayName)
	require.False(t, role.IsSystemRole)
}

func TestSynchronizeRefusesToDropProtectedAdminRole(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s := newTestSynchronizer(t, db, WithProtectedAdmin("admin-1"))
	ctx := context.Background()

	_, err := s.Synchronize(ctx, DefaultRoles(), false)
	require.NoError(t, err)
	superAdmin, _ := loadRole(t, db, SuperAdminRole)
	assign(t, db, "admin-1", superAdmin, true)

	_, err = s.Synchronize(ctx, canonAB(), false)
	require.Error(t, err)
	require.True(t, appErrors.IsKind(err, appErrors.ErrValidation))
	require.ErrorIs(t, err, ErrProtectedRole)

	// all-or-nothing: role_a was not created
	_, ok := loadRole(t, db, "role_a")
	require.False(t, ok)
	role, ok := loadRole(t, db, SuperAdminRole)
	require.True(t, ok)
	require.True(t, role.IsSystemRole)
}

func TestSynchronizeRejectsInvalidCanon(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	s := newTestSynchronizer(t, db)

	canon := canonAB()
	canon[1].Permissions.Actions = []string{"launch"}

	_, err := s.Synchronize(context.Background(), canon, false)
	require.Error(t, err)
	require.True(t, appErrors.IsKind(err, appErrors.ErrValidation))

	var count int64
	require.NoError(t, db.Model(&models.Role{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSynchronizeToleratesInvalidatorFailure(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	inv := &countingInvalidator{err: errBackendDown}
	s := newTestSynchronizer(t, db, WithCacheInvalidator(inv))

	report, err := s.Synchronize(context.Background(), canonAB(), false)
	require.NoError(t, err)
	require.True(t, report.Changed())
	require.Equal(t, int32(1), inv.calls.Load())
}
