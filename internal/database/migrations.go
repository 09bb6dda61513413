package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillRoomSequences = "2026-10-01_backfill_room_sequences"
	migrationDropStaleCheckpoints  = "2026-10-01_drop_stale_checkpoints"
)

const backfillRoomSequencesSQL = `
INSERT INTO room_sequences (room_id, last_position)
SELECT room_id, MAX(log_position) FROM room_events WHERE true GROUP BY room_id
ON CONFLICT (room_id) DO UPDATE SET last_position = excluded.last_position
WHERE room_sequences.last_position < excluded.last_position`

const dropStaleCheckpointsSQL = `
DELETE FROM room_snapshot_checkpoints
WHERE high_water_mark > COALESCE(
	(SELECT last_position FROM room_sequences WHERE room_sequences.room_id = room_snapshot_checkpoints.room_id),
	0
)`

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

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillRoomSequences, apply: backfillRoomSequences},
		{name: migrationDropStaleCheckpoints, apply: dropStaleCheckpoints},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillRoomSequences seeds position counters for rooms whose events predate room_sequences.
func backfillRoomSequences(db *gorm.DB) error {
	return db.Exec(backfillRoomSequencesSQL).Error
}

// dropStaleCheckpoints removes checkpoints that claim positions the log never assigned.
func dropStaleCheckpoints(db *gorm.DB) error {
	return db.Exec(dropStaleCheckpointsSQL).Error
}
