package permissions

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/adminaccess/internal/models"
	appErrors "github.com/charlesng35/adminaccess/pkg/errors"
	"github.com/charlesng35/adminaccess/pkg/logger"
	"github.com/charlesng35/adminaccess/pkg/metrics"
)

// ErrProtectedRole is returned when synchronization would demote or delete the
// role held by the protected admin.
var ErrProtectedRole = appErrors.Derive(appErrors.ErrValidation, "PROTECTED_ROLE", "Canonical roles must keep the protected admin's role")

// CacheInvalidator drops every cached grant set.
type CacheInvalidator interface {
	InvalidateAll(ctx context.Context) error
}

// SyncCounts summarises a SyncReport.
type SyncCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Demoted int `json:"demoted"`
	Deleted int `json:"deleted"`
}

// SyncReport lists the role names touched by one synchronization run.
// Conflicts are canonical names already taken by a custom role; those roles are left alone.
type SyncReport struct {
	Version   string     `json:"version,omitempty"`
	Created   []string   `json:"created"`
	Updated   []string   `json:"updated"`
	Skipped   []string   `json:"skipped"`
	Demoted   []string   `json:"demoted"`
	Deleted   []string   `json:"deleted"`
	Conflicts []string   `json:"conflicts"`
	Counts    SyncCounts `json:"counts"`
}

// Changed reports whether the run modified any role.
func (r SyncReport) Changed() bool {
	return len(r.Created)+len(r.Updated)+len(r.Demoted)+len(r.Deleted) > 0
}

func (r *SyncReport) finalize() {
	r.Counts = SyncCounts{
		Created: len(r.Created),
		Updated: len(r.Updated),
		Skipped: len(r.Skipped),
		Demoted: len(r.Demoted),
		Deleted: len(r.Deleted),
	}
}

// Synchronizer reconciles system roles in the database against a canonical role set.
type Synchronizer struct {
	db               *gorm.DB
	catalog          *Catalog
	invalidator      CacheInvalidator
	protectedAdminID string
	log              *zap.Logger
}

// SyncOption customises a Synchronizer.
type SyncOption func(*Synchronizer)

// WithSyncCatalog validates canonical roles against catalog before applying them.
func WithSyncCatalog(catalog *Catalog) SyncOption {
	return func(s *Synchronizer) {
		s.catalog = catalog
	}
}

// WithCacheInvalidator purges cached grants after every run that changed roles.
func WithCacheInvalidator(inv CacheInvalidator) SyncOption {
	return func(s *Synchronizer) {
		s.invalidator = inv
	}
}

// WithProtectedAdmin names the user whose super_admin role synchronization must never remove.
func WithProtectedAdmin(userID string) SyncOption {
	return func(s *Synchronizer) {
		s.protectedAdminID = userID
	}
}

// NewSynchronizer constructs a synchronizer writing to db.
func NewSynchronizer(db *gorm.DB, opts ...SyncOption) (*Synchronizer, error) {
	if db == nil {
		return nil, errors.New("role synchronizer: db is required")
	}
	s := &Synchronizer{db: db, log: logger.WithModule("permissions.sync")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Synchronize applies canon inside a single transaction:
//   - missing canonical roles are created as active system roles;
//   - existing system roles are overwritten when force is set, skipped otherwise;
//   - obsolete system roles with active assignments are demoted to custom roles;
//   - obsolete system roles without active assignments are deleted.
//
// Running it twice with the same canon and force unset changes nothing the second time.
func (s *Synchronizer) Synchronize(ctx context.Context, canon []RoleDef, force bool) (SyncReport, error) {
	ctx = ensureContext(ctx)

	if err := ValidateRoleDefs(canon, s.catalog); err != nil {
		return SyncReport{}, appErrors.NewValidation("Invalid canonical role definitions").WithInternal(err)
	}

	var report SyncReport
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockRoles(tx)
		if err != nil {
			return err
		}

		byName := make(map[string]*models.Role, len(existing))
		for i := range existing {
			byName[existing[i].Name] = &existing[i]
		}

		wanted := make(map[string]struct{}, len(canon))
		for _, def := range canon {
			wanted[def.Name] = struct{}{}
			if err := s.applyDefinition(tx, def, byName[def.Name], force, &report); err != nil {
				return err
			}
		}

		for i := range existing {
			role := &existing[i]
			if !role.IsSystemRole {
				continue
			}
			if _, ok := wanted[role.Name]; ok {
				continue
			}
			if err := s.retire(tx, role, &report); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SyncReport{}, err
	}

	report.finalize()
	s.publish(ctx, report)
	return report, nil
}

func (s *Synchronizer) applyDefinition(tx *gorm.DB, def RoleDef, current *models.Role, force bool, report *SyncReport) error {
	if current == nil {
		role := &models.Role{
			Name:         def.Name,
			DisplayName:  def.DisplayName,
			Description:  def.Description,
			Level:        def.Level,
			IsSystemRole: true,
			IsActive:     true,
		}
		role.SetGrant(def.Permissions)
		if err := tx.Create(role).Error; err != nil {
			return fmt.Errorf("role synchronizer: create %s: %w", def.Name, err)
		}
		report.Created = append(report.Created, def.Name)
		return nil
	}

	if !current.IsSystemRole {
		report.Conflicts = append(report.Conflicts, def.Name)
		return nil
	}
	if !force || matchesDefinition(current, def) {
		report.Skipped = append(report.Skipped, def.Name)
		return nil
	}

	updates := map[string]interface{}{
		"display_name": def.DisplayName,
		"description":  def.Description,
		"level":        def.Level,
		"permissions":  models.NewRoleGrant(def.Permissions),
		"is_active":    true,
	}
	if err := tx.Model(current).Updates(updates).Error; err != nil {
		return fmt.Errorf("role synchronizer: update %s: %w", def.Name, err)
	}
	report.Updated = append(report.Updated, def.Name)
	return nil
}

func (s *Synchronizer) retire(tx *gorm.DB, role *models.Role, report *SyncReport) error {
	var active int64
	if err := tx.Model(&models.RoleAssignment{}).
		Where("role_id = ? AND is_active = ?", role.ID, true).
		Count(&active).Error; err != nil {
		return fmt.Errorf("role synchronizer: count assignments for %s: %w", role.Name, err)
	}

	if role.Name == SuperAdminRole && s.protectedAdminID != "" {
		var held int64
		if err := tx.Model(&models.RoleAssignment{}).
			Where("role_id = ? AND user_id = ? AND is_active = ?", role.ID, s.protectedAdminID, true).
			Count(&held).Error; err != nil {
			return fmt.Errorf("role synchronizer: check protected admin: %w", err)
		}
		if held > 0 {
			return ErrProtectedRole
		}
	}

	if active > 0 {
		if err := tx.Model(role).Update("is_system_role", false).Error; err != nil {
			return fmt.Errorf("role synchronizer: demote %s: %w", role.Name, err)
		}
		report.Demoted = append(report.Demoted, role.Name)
		return nil
	}

	if err := tx.Where("role_id = ?", role.ID).Delete(&models.RoleAssignment{}).Error; err != nil {
		return fmt.Errorf("role synchronizer: clear assignments for %s: %w", role.Name, err)
	}
	if err := tx.Delete(role).Error; err != nil {
		return fmt.Errorf("role synchronizer: delete %s: %w", role.Name, err)
	}
	report.Deleted = append(report.Deleted, role.Name)
	return nil
}

func (s *Synchronizer) publish(ctx context.Context, report SyncReport) {
	for change, n := range map[string]int{
		"created": report.Counts.Created,
		"updated": report.Counts.Updated,
		"skipped": report.Counts.Skipped,
		"demoted": report.Counts.Demoted,
		"deleted": report.Counts.Deleted,
	} {
		if n > 0 {
			metrics.RoleSyncChanges.WithLabelValues(change).Add(float64(n))
		}
	}

	s.log.Info("role synchronization complete",
		zap.Int("created", report.Counts.Created),
		zap.Int("updated", report.Counts.Updated),
		zap.Int("skipped", report.Counts.Skipped),
		zap.Strings("demoted", report.Demoted),
		zap.Strings("deleted", report.Deleted),
		zap.Strings("conflicts", report.Conflicts),
	)

	if !report.Changed() || s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateAll(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("invalidate grant cache after synchronization", zap.Error(err))
	}
}

// lockRoles reads every role while holding an exclusive lock on the role tables
// for the rest of the transaction.
func lockRoles(tx *gorm.DB) ([]models.Role, error) {
	query := tx
	switch tx.Dialector.Name() {
	case "postgres":
		if err := tx.Exec("LOCK TABLE roles, role_assignments IN SHARE ROW EXCLUSIVE MODE").Error; err != nil {
			return nil, fmt.Errorf("role synchronizer: lock tables: %w", err)
		}
	case "mysql":
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var roles []models.Role
	if err := query.Order("name").Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("role synchronizer: load roles: %w", err)
	}
	return roles, nil
}

func matchesDefinition(role *models.Role, def RoleDef) bool {
	current := role.Grant()
	return role.DisplayName == def.DisplayName &&
		role.Description == def.Description &&
		role.Level == def.Level &&
		role.IsActive &&
		slices.Equal(current.Modules, def.Permissions.Modules) &&
		slices.Equal(current.Actions, def.Permissions.Actions) &&
		slices.Equal(current.SpecificPermissions, def.Permissions.SpecificPermissions)
}
