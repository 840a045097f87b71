package database

import (
	"errors"
	"time"

	"github.com/ceritalabs/storysync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPhotoKind = "2026-05-20_backfill_pending_photo_kind"

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
		{name: migrationBackfillPhotoKind, apply: backfillPendingPhotoKind},
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

// Rows queued before the photo variant column existed carry an empty kind.
// Derive it from whichever photo column holds data.
func backfillPendingPhotoKind(db *gorm.DB) error {
	if err := db.Model(&store.PendingWrite{}).
		Where("photo_kind = '' AND photo_binary IS NOT NULL AND LENGTH(photo_binary) > 0").
		Update("photo_kind", string(store.PhotoKindBinary)).Error; err != nil {
		return err
	}
	if err := db.Model(&store.PendingWrite{}).
		Where("photo_kind = '' AND photo_encoded <> ''").
		Update("photo_kind", string(store.PhotoKindEncoded)).Error; err != nil {
		return err
	}
	return db.Model(&store.PendingWrite{}).
		Where("photo_kind = ''").
		Update("photo_kind", string(store.PhotoKindNone)).Error
}
