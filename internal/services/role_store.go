package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/adminaccess/internal/models"
	"github.com/charlesng35/adminaccess/internal/permissions"
	apperrors "github.com/charlesng35/adminaccess/pkg/errors"
	"github.com/charlesng35/adminaccess/pkg/logger"
)

var (
	// ErrRoleNotFound indicates the requested role does not exist.
	ErrRoleNotFound = apperrors.Derive(apperrors.ErrNotFound, "ROLE_NOT_FOUND", "Role not found")
	// ErrAssignmentNotFound indicates the user does not hold the role.
	ErrAssignmentNotFound = apperrors.Derive(apperrors.ErrNotFound, "ASSIGNMENT_NOT_FOUND", "Role assignment not found")
	// ErrSystemRoleImmutable prevents edits to roles owned by synchronization.
	ErrSystemRoleImmutable = apperrors.Derive(apperrors.ErrValidation, "ROLE_IMMUTABLE", "System roles cannot be modified")
	// ErrProtectedAdmin guards the bootstrap administrator against lockout.
	ErrProtectedAdmin = apperrors.Derive(apperrors.ErrValidation, "PROTECTED_ADMIN", "The protected administrator cannot lose super admin access")
	// ErrRoleInUse blocks deleting roles that still have active assignments.
	ErrRoleInUse = apperrors.Derive(apperrors.ErrConflict, "ROLE_IN_USE", "Role has active assignments")
	// ErrRoleNameTaken reports a duplicate role name.
	ErrRoleNameTaken = apperrors.Derive(apperrors.ErrConflict, "ROLE_NAME_TAKEN", "Role name already exists")
	// ErrRoleInactive rejects assignments to a deactivated role.
	ErrRoleInactive = apperrors.Derive(apperrors.ErrValidation, "ROLE_INACTIVE", "Role is inactive")
)

// Invalidator drops cached grants for a user. RoleStore calls it after every
// committed change that can alter the user's effective permissions.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// RoleInput describes a custom role.
type RoleInput struct {
	Name        string                 `json:"name"`
	DisplayName string                 `json:"display_name"`
	Description string                 `json:"description"`
	Level       int                    `json:"level"`
	Permissions models.RolePermissions `json:"permissions"`
}

// UpdateRoleInput describes mutable fields on a custom role. Nil fields are left unchanged.
type UpdateRoleInput struct {
	DisplayName *string                 `json:"display_name"`
	Description *string                 `json:"description"`
	Level       *int                    `json:"level"`
	Permissions *models.RolePermissions `json:"permissions"`
}

// RoleStore is the writer of record for roles and role assignments.
type RoleStore struct {
	db               *gorm.DB
	audit            *AuditService
	invalidator      Invalidator
	catalog          *permissions.Catalog
	protectedAdminID string
	log              *zap.Logger
}

// RoleStoreOption customises a RoleStore.
type RoleStoreOption func(*RoleStore)

// WithAuditService records every mutation through audit.
func WithAuditService(audit *AuditService) RoleStoreOption {
	return func(s *RoleStore) {
		s.audit = audit
	}
}

// WithInvalidator wires the grant cache invalidation hook.
func WithInvalidator(inv Invalidator) RoleStoreOption {
	return func(s *RoleStore) {
		s.invalidator = inv
	}
}

// WithRoleCatalog validates custom role permissions against catalog.
func WithRoleCatalog(catalog *permissions.Catalog) RoleStoreOption {
	return func(s *RoleStore) {
		s.catalog = catalog
	}
}

// WithProtectedAdminID names the bootstrap administrator.
func WithProtectedAdminID(userID string) RoleStoreOption {
	return func(s *RoleStore) {
		s.protectedAdminID = strings.TrimSpace(userID)
	}
}

// NewRoleStore constructs a RoleStore using the provided database handle.
func NewRoleStore(db *gorm.DB, opts ...RoleStoreOption) (*RoleStore, error) {
	if db == nil {
		return nil, errors.New("role store: db is required")
	}
	s := &RoleStore{db: db, log: logger.WithModule("services.roles")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateRole registers a custom role.
func (s *RoleStore) CreateRole(ctx context.Context, actorID string, input RoleInput) (*models.Role, error) {
	ctx = ensureContext(ctx)

	def := permissions.RoleDef{
		Name:        strings.TrimSpace(input.Name),
		DisplayName: strings.TrimSpace(input.DisplayName),
		Description: strings.TrimSpace(input.Description),
		Level:       input.Level,
		Permissions: cleanPermissions(input.Permissions),
	}
	if err := s.validate(def); err != nil {
		return nil, err
	}

	role := &models.Role{
		Name:        def.Name,
		DisplayName: def.DisplayName,
		Description: def.Description,
		Level:       def.Level,
		IsActive:    true,
	}
	role.SetGrant(def.Permissions)

	if err := s.db.WithContext(ctx).Create(role).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrRoleNameTaken
		}
		return nil, fmt.Errorf("role store: create role: %w", err)
	}

	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  actorRef(actorID),
		Action:   "role.create",
		Resource: role.ID,
		Result:   "success",
		Metadata: map[string]any{"name": role.Name},
	})

	return role, nil
}

// UpdateRole modifies a custom role and invalidates every user actively holding it.
func (s *RoleStore) UpdateRole(ctx context.Context, actorID, roleID string, input UpdateRoleInput) (*models.Role, error) {
	ctx = ensureContext(ctx)

	var (
		role     models.Role
		affected []string
		changes  = map[string]any{}
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadRole(tx, roleID, &role); err != nil {
			return err
		}
		if role.IsSystemRole {
			return ErrSystemRoleImmutable
		}

		def := permissions.RoleDef{
			Name:        role.Name,
			DisplayName: role.DisplayName,
			Description: role.Description,
			Level:       role.Level,
			Permissions: role.Grant(),
		}
		if input.DisplayName != nil && strings.TrimSpace(*input.DisplayName) != def.DisplayName {
			def.DisplayName = strings.TrimSpace(*input.DisplayName)
			changes["display_name"] = def.DisplayName
		}
		if input.Description != nil && strings.TrimSpace(*input.Description) != def.Description {
			def.Description = strings.TrimSpace(*input.Description)
			changes["description"] = def.Description
		}
		if input.Level != nil && *input.Level != def.Level {
			def.Level = *input.Level
			changes["level"] = def.Level
		}
		if input.Permissions != nil {
			def.Permissions = cleanPermissions(*input.Permissions)
			changes["permissions"] = models.NewRoleGrant(def.Permissions)
		}
		if len(changes) == 0 {
			return nil
		}
		if err := s.validate(def); err != nil {
			return err
		}

		if err := tx.Model(&role).Updates(changes).Error; err != nil {
			return fmt.Errorf("role store: update role: %w", err)
		}
		if err := loadRole(tx, roleID, &role); err != nil {
			return err
		}

		users, err := activeHolders(tx, role.ID)
		if err != nil {
			return err
		}
		affected = users
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return &role, nil
	}

	s.invalidateUsers(ctx, affected)
	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  actorRef(actorID),
		Action:   "role.update",
		Resource: role.ID,
		Result:   "success",
		Metadata: map[string]any{"fields": mapKeys(changes), "affected_users": len(affected)},
	})

	return &role, nil
}

// SetRoleActive soft-retires or restores a custom role.
func (s *RoleStore) SetRoleActive(ctx context.Context, actorID, roleID string, active bool) error {
	ctx = ensureContext(ctx)

	var affected []string
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var role models.Role
		if err := loadRole(tx, roleID, &role); err != nil {
			return err
		}
		if !active {
			if err := s.guardProtectedRole(tx, &role); err != nil {
				return err
			}
		}
		if role.IsSystemRole {
			return ErrSystemRoleImmutable
		}
		if role.IsActive == active {
			return nil
		}

		if err := tx.Model(&role).Update("is_active", active).Error; err != nil {
			return fmt.Errorf("role store: set role active: %w", err)
		}
		users, err := activeHolders(tx, role.ID)
		if err != nil {
			return err
		}
		affected = users
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	s.invalidateUsers(ctx, affected)
	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  actorRef(actorID),
		Action:   "role.set_active",
		Resource: roleID,
		Result:   "success",
		Metadata: map[string]any{"active": active, "affected_users": len(affected)},
	})
	return nil
}

// DeleteRole removes a custom role with no active assignments, along with its inactive assignment history.
func (s *RoleStore) DeleteRole(ctx context.Context, actorID, roleID string) error {
	ctx = ensureContext(ctx)

	var role models.Role
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadRole(tx, roleID, &role); err != nil {
			return err
		}
		if err := s.guardProtectedRole(tx, &role); err != nil {
			return err
		}
		if role.IsSystemRole {
			return ErrSystemRoleImmutable
		}

		holders, err := activeHolders(tx, role.ID)
		if err != nil {
			return err
		}
		if len(holders) > 0 {
			return ErrRoleInUse
		}

		if err := tx.Where("role_id = ?", role.ID).Delete(&models.RoleAssignment{}).Error; err != nil {
			return fmt.Errorf("role store: clear role assignments: %w", err)
		}
		if err := tx.Delete(&role).Error; err != nil {
			return fmt.Errorf("role store: delete role: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  actorRef(actorID),
		Action:   "role.delete",
		Resource: role.ID,
		Result:   "success",
		Metadata: map[string]any{"name": role.Name},
	})
	return nil
}

// GetRole returns a role by id.
func (s *RoleStore) GetRole(ctx context.Context, roleID string) (*models.Role, error) {
	var role models.Role
	if err := loadRole(s.db.WithContext(ensureContext(ctx)), roleID, &role); err != nil {
		return nil, err
	}
	return &role, nil
}

// GetRoleByName returns a role by its unique name.
func (s *RoleStore) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	var role models.Role
	if err := s.db.WithContext(ensureContext(ctx)).First(&role, "name = ?", strings.TrimSpace(name)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("role store: load role: %w", err)
	}
	return &role, nil
}

// ListRoles returns roles ordered by level (highest first) and name.
func (s *RoleStore) ListRoles(ctx context.Context, includeInactive bool) ([]models.Role, error) {
	query := s.db.WithContext(ensureContext(ctx)).Order("level DESC").Order("name ASC")
	if !includeInactive {
		query = query.Where("is_active = ?", true)
	}

	var roles []models.Role
	if err := query.Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("role store: list roles: %w", err)
	}
	return roles, nil
}

// AssignRole grants roleID to userID. Assigning a role the user already holds
// is a no-op; an inactive assignment is reactivated rather than duplicated.
func (s *RoleStore) AssignRole(ctx context.Context, actorID, userID, roleID string) (*models.RoleAssignment, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.NewValidation("user id is required")
	}

	var (
		assignment models.RoleAssignment
		changed    bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var role models.Role
		if err := loadRole(tx, roleID, &role); err != nil {
			return err
		}
		if !role.IsActive {
			return ErrRoleInactive
		}

		err := tx.Where("user_id = ? AND role_id = ?", userID, role.ID).First(&assignment).Error
		switch {
		case err == nil && assignment.IsActive:
			return nil
		case err == nil:
			if err := tx.Model(&assignment).Updates(map[string]any{
				"is_active":   true,
				"assigned_by": actorRef(actorID),
				"revoked_at":  nil,
			}).Error; err != nil {
				return fmt.Errorf("role store: reactivate assignment: %w", err)
			}
			assignment.IsActive = true
			assignment.AssignedBy = actorRef(actorID)
			assignment.RevokedAt = nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			assignment = models.RoleAssignment{
				UserID:     userID,
				RoleID:     role.ID,
				IsActive:   true,
				AssignedBy: actorRef(actorID),
			}
			if err := tx.Create(&assignment).Error; err != nil {
				if isUniqueConstraintError(err) {
					return apperrors.Derive(apperrors.ErrConflict, "ASSIGNMENT_CONFLICT", "Role assignment changed concurrently").WithInternal(err)
				}
				return fmt.Errorf("role store: create assignment: %w", err)
			}
		default:
			return fmt.Errorf("role store: load assignment: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return &assignment, nil
	}

	s.invalidateUsers(ctx, []string{userID})
	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  actorRef(actorID),
		Action:   "role.assign",
		Resource: assignment.RoleID,
		Result:   "success",
		Metadata: map[string]any{"user_id": userID},
	})
	return &assignment, nil
}

// RevokeRole deactivates the user's assignment. The row is kept for history.
func (s *RoleStore) RevokeRole(ctx context.Context, actorID, userID, roleID string) error {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var role models.Role
		if err := loadRole(tx, roleID, &role); err != nil {
			return err
		}
		if s.isProtected(userID) && role.Name == permissions.SuperAdminRole {
			return ErrProtectedAdmin
		}

		var assignment models.RoleAssignment
		if err := tx.Where("user_id = ? AND role_id = ?", userID, role.ID).First(&assignment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAssignmentNotFound
			}
			return fmt.Errorf("role store: load assignment: %w", err)
		}
		if !assignment.IsActive {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(&assignment).Updates(map[string]any{
			"is_active":  false,
			"revoked_at": &now,
		}).Error; err != nil {
			return fmt.Errorf("role store: revoke assignment: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil || !changed {
		return err
	}

	s.invalidateUsers(ctx, []string{userID})
	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  actorRef(actorID),
		Action:   "role.revoke",
		Resource: roleID,
		Result:   "success",
		Metadata: map[string]any{"user_id": userID},
	})
	return nil
}

// ListUserAssignments returns the user's assignments with their roles preloaded.
func (s *RoleStore) ListUserAssignments(ctx context.Context, userID string, activeOnly bool) ([]models.RoleAssignment, error) {
	query := s.db.WithContext(ensureContext(ctx)).
		Preload("Role").
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at ASC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var assignments []models.RoleAssignment
	if err := query.Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("role store: list assignments: %w", err)
	}
	return assignments, nil
}

// ActiveRolesForUser returns the active roles reachable through the user's active assignments.
func (s *RoleStore) ActiveRolesForUser(ctx context.Context, userID string) ([]models.Role, error) {
	var roles []models.Role
	err := s.db.WithContext(ensureContext(ctx)).
		Joins("JOIN role_assignments ON role_assignments.role_id = roles.id").
		Where("role_assignments.user_id = ? AND role_assignments.is_active = ? AND roles.is_active = ?", userID, true, true).
		Order("roles.name ASC").
		Find(&roles).Error
	if err != nil {
		return nil, fmt.Errorf("role store: load active roles: %w", err)
	}
	return roles, nil
}

// GuardUserDeletion refuses to let the external user layer delete the protected admin.
func (s *RoleStore) GuardUserDeletion(_ context.Context, userID string) error {
	if s.isProtected(strings.TrimSpace(userID)) {
		return ErrProtectedAdmin
	}
	return nil
}

// RevokeAllForUser deactivates every assignment of a user being removed by the external user layer.
func (s *RoleStore) RevokeAllForUser(ctx context.Context, actorID, userID string) (int64, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if err := s.GuardUserDeletion(ctx, userID); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.RoleAssignment{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]any{"is_active": false, "revoked_at": &now})
	if result.Error != nil {
		return 0, fmt.Errorf("role store: revoke user assignments: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, nil
	}

	s.invalidateUsers(ctx, []string{userID})
	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  actorRef(actorID),
		Action:   "role.revoke_all",
		Resource: userID,
		Result:   "success",
		Metadata: map[string]any{"revoked": result.RowsAffected},
	})
	return result.RowsAffected, nil
}

func (s *RoleStore) validate(def permissions.RoleDef) error {
	if err := permissions.ValidateRoleDefs([]permissions.RoleDef{def}, s.catalog); err != nil {
		return apperrors.NewValidation("Invalid role definition").WithInternal(err)
	}
	return nil
}

func (s *RoleStore) isProtected(userID string) bool {
	return s.protectedAdminID != "" && userID == s.protectedAdminID
}

// guardProtectedRole refuses changes that would strip super_admin from the protected admin.
func (s *RoleStore) guardProtectedRole(tx *gorm.DB, role *models.Role) error {
	if s.protectedAdminID == "" || role.Name != permissions.SuperAdminRole {
		return nil
	}
	var held int64
	if err := tx.Model(&models.RoleAssignment{}).
		Where("role_id = ? AND user_id = ? AND is_active = ?", role.ID, s.protectedAdminID, true).
		Count(&held).Error; err != nil {
		return fmt.Errorf("role store: check protected admin: %w", err)
	}
	if held > 0 {
		return ErrProtectedAdmin
	}
	return nil
}

// invalidateUsers runs after commit; failures are logged and never undo the mutation.
func (s *RoleStore) invalidateUsers(ctx context.Context, userIDs []string) {
	if s.invalidator == nil {
		return
	}
	for _, userID := range userIDs {
		if err := s.invalidator.Invalidate(ctx, userID); err != nil {
			s.log.Warn("invalidate cached grants", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func loadRole(tx *gorm.DB, roleID string, role *models.Role) error {
	if err := tx.First(role, "id = ?", strings.TrimSpace(roleID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoleNotFound
		}
		return fmt.Errorf("role store: load role: %w", err)
	}
	return nil
}

func activeHolders(tx *gorm.DB, roleID string) ([]string, error) {
	var users []string
	if err := tx.Model(&models.RoleAssignment{}).
		Where("role_id = ? AND is_active = ?", roleID, true).
		Order("user_id").
		Pluck("user_id", &users).Error; err != nil {
		return nil, fmt.Errorf("role store: list role holders: %w", err)
	}
	return users, nil
}

func cleanPermissions(p models.RolePermissions) models.RolePermissions {
	return models.RolePermissions{
		Modules:             normaliseIDs(p.Modules),
		Actions:             normaliseIDs(p.Actions),
		SpecificPermissions: normaliseIDs(p.SpecificPermissions),
	}
}
