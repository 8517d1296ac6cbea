package database

import (
	"errors"
	"time"

	"github.com/openrelief/fieldsync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeRecordKinds = "2026-07-14_normalize_record_kinds"

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
		{name: migrationNormalizeRecordKinds, apply: normalizeRecordKinds},
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

// normalizeRecordKinds rewrites kind spellings left behind by earlier builds
// that carried two naming conventions for the same queue record.
func normalizeRecordKinds(db *gorm.DB) error {
	renames := map[string]queue.RecordKind{
		"registration": queue.KindBeneficiaryRegistration,
		"beneficiary":  queue.KindBeneficiaryRegistration,
		"distribution": queue.KindAidDistribution,
		"loss":         queue.KindLossReport,
	}
	for legacy, kind := range renames {
		if err := db.Model(&queue.Record{}).
			Where("kind = ?", legacy).
			Update("kind", kind).Error; err != nil {
			return err
		}
	}
	return nil
}
