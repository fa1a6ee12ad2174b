package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationLowercaseMemberIDs = "2026-10-01_lowercase_member_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseMemberIDs, apply: lowercaseMemberIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// lowercaseMemberIDs folds member ids written before ids were case-normalised.
// Memberships that collapse onto an existing row are dropped. Message senders are
// left alone: they are bound into each record's ciphertext.
func lowercaseMemberIDs(tx *gorm.DB) error {
	statements := []string{
		"UPDATE OR IGNORE group_memberships SET member_id = lower(member_id), added_by = lower(added_by) WHERE member_id <> lower(member_id) OR added_by <> lower(added_by)",
		"DELETE FROM group_memberships WHERE member_id <> lower(member_id)",
		"UPDATE chat_groups SET created_by = lower(created_by) WHERE created_by <> lower(created_by)",
		"UPDATE member_identities SET member_id = lower(member_id) WHERE member_id <> lower(member_id)",
	}
	for _, statement := range statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
