package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates the ledger and audit log tables.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&OrderLog{},
		&RunLog{},
	)
}
