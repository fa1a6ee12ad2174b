package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/teamforge/internal/chat"
	"github.com/MarcoPoloResearchLab/teamforge/internal/groups"
	"github.com/MarcoPoloResearchLab/teamforge/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// AutoMigrate creates or updates every table the service persists to.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&groups.Group{},
		&groups.Membership{},
		&chat.Message{},
		&users.Identity{},
		&migrationRecord{},
	)
}
