package db

import (
	"fmt"

	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.KVEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// ResetNamespaces deletes every entry of the given namespaces and returns the
// number of rows removed. With no namespaces it removes nothing.
func ResetNamespaces(db *gorm.DB, namespaces ...string) (int64, error) {
	if len(namespaces) == 0 {
		return 0, nil
	}
	result := db.Where("namespace IN ?", namespaces).Delete(&models.KVEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("db: reset namespaces %v: %w", namespaces, result.Error)
	}
	return result.RowsAffected, nil
}
