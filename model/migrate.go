package model

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates the audit table. MySQL tables are created as
// utf8mb4 so plugin names and error text round-trip.
func AutoMigrate(db *gorm.DB) error {
	if db.Dialector.Name() == "mysql" {
		db = db.Set("gorm:table_options", "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4")
	}
	if err := db.AutoMigrate(&AuditLog{}); err != nil {
		return fmt.Errorf("migrate %s: %w", (AuditLog{}).TableName(), err)
	}
	return nil
}
