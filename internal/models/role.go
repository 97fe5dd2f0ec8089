package models

import (
	"gorm.io/datatypes"
)

// RolePermissions is the structured grant persisted in roles.permissions.
type RolePermissions struct {
	Modules             []string `json:"modules" yaml:"modules"`
	Actions             []string `json:"actions" yaml:"actions"`
	SpecificPermissions []string `json:"specific_permissions" yaml:"specific_permissions"`
}

// Role is either a system role owned by synchronization or a custom role owned by administrators.
// Level orders roles for display only.
type Role struct {
	BaseModel

	Name         string                              `gorm:"uniqueIndex;not null;size:100" json:"name"`
	DisplayName  string                              `gorm:"not null;size:150" json:"display_name"`
	Description  string                              `json:"description"`
	Level        int                                 `gorm:"not null;index" json:"level"`
	Permissions  datatypes.JSONType[RolePermissions] `json:"permissions"`
	IsSystemRole bool                                `gorm:"not null;index" json:"is_system_role"`
	IsActive     bool                                `gorm:"not null;index" json:"is_active"`

	Assignments []RoleAssignment `gorm:"foreignKey:RoleID" json:"-"`
}

// Grant returns the decoded permission payload.
func (r *Role) Grant() RolePermissions {
	if r == nil {
		return RolePermissions{}
	}
	return r.Permissions.Data()
}

// SetGrant replaces the permission payload.
func (r *Role) SetGrant(p RolePermissions) {
	r.Permissions = datatypes.NewJSONType(p)
}

// NewRoleGrant wraps p for column-level updates.
func NewRoleGrant(p RolePermissions) datatypes.JSONType[RolePermissions] {
	return datatypes.NewJSONType(p)
}
