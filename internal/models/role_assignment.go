package models

import "time"

// RoleAssignment links an externally authenticated user to a role. Rows are deactivated on
// revoke rather than deleted; (user_id, role_id) is unique.
type RoleAssignment struct {
	BaseModel

	UserID     string     `gorm:"not null;size:64;uniqueIndex:idx_role_assignments_user_role" json:"user_id"`
	RoleID     string     `gorm:"size:36;not null;index;uniqueIndex:idx_role_assignments_user_role" json:"role_id"`
	Role       *Role      `gorm:"foreignKey:RoleID" json:"role,omitempty"`
	IsActive   bool       `gorm:"not null;index" json:"is_active"`
	AssignedBy *string    `gorm:"size:64" json:"assigned_by,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}
