package db

import (
	"fmt"

	"github.com/zulandar/scanroom/internal/config"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Scan{},
		&models.ChatMessage{},
		&models.Consultation{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Prepare opens the configured store, creating the MySQL database first when
// needed, and migrates it.
func Prepare(c config.DatabaseConfig) (*gorm.DB, error) {
	if c.Driver == "mysql" {
		admin, err := ConnectAdmin(c)
		if err != nil {
			return nil, err
		}
		err = CreateDatabase(admin, c.Name)
		if sqlDB, dbErr := admin.DB(); dbErr == nil {
			sqlDB.Close()
		}
		if err != nil {
			return nil, err
		}
	}
	gdb, err := Open(c)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
