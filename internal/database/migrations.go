package database

import (
	"errors"

	"gorm.io/gorm"

	"github.com/charlesng35/adminaccess/internal/models"
)

// AutoMigrate creates or updates the role, assignment, and audit tables.
// System roles are not seeded here; synchronization owns them.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}
	return db.AutoMigrate(
		&models.Role{},
		&models.RoleAssignment{},
		&models.AuditLog{},
	)
}
