// Package database wires gorm.io/gorm to sqlite or postgres, the same
// dialector-switch-on-DBType shape as the teacher's own
// internal/services/database.go InitializeDatabase, generalized to this
// core's own model set.
package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rba-core/internal/config"
	"rba-core/internal/models"
)

// Open connects to the database named in cfg and runs AutoMigrate over
// every model the core owns.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBType {
	case "postgres":
		dialector = postgres.Open(cfg.DBDsn)
	case "sqlite", "":
		path := cfg.DBDsn
		if path == "" {
			path = "rba.db"
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.LoginAttempt{},
		&models.UserBehavior{},
		&models.OtpCode{},
		&models.MFASetup{},
		&models.BackupCode{},
	); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}
