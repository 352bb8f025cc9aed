package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCopyLegacySnapshotKey = "2026-10-01_copy_legacy_snapshot_key"
	legacyBlobKey                  = "inappdb-v1"
)

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

func applyMigrations(db *gorm.DB, blobKey string, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{
			name: migrationCopyLegacySnapshotKey,
			apply: func(tx *gorm.DB) error {
				return copyLegacySnapshot(tx, blobKey)
			},
		},
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
		if err := migration.apply(db); err != nil {
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

// copyLegacySnapshot seeds blobKey from the v1 snapshot when the current key has never been written.
func copyLegacySnapshot(db *gorm.DB, blobKey string) error {
	if blobKey == legacyBlobKey {
		return nil
	}

	var current Blob
	err := db.Where(queryBlobKey, blobKey).Take(&current).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	var legacy Blob
	err = db.Where(queryBlobKey, legacyBlobKey).Take(&legacy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return db.Create(&Blob{
		Key:              blobKey,
		Value:            legacy.Value,
		UpdatedAtSeconds: legacy.UpdatedAtSeconds,
	}).Error
}
