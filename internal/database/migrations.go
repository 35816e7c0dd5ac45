package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Dripmaster/note-nomi/internal/notes"
)

const (
	migrationNormalizeNoteStatus = "2026-05-12_normalize_note_status"
	migrationResetEmptyKindSets  = "2026-06-30_reset_empty_kind_sets"
	migrationCreateSearchIndex   = "2026-07-14_create_notes_search_index"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeNoteStatus, apply: normalizeNoteStatus},
		{name: migrationResetEmptyKindSets, apply: resetEmptyKindSets},
		{name: migrationCreateSearchIndex, apply: createNotesSearchIndex},
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

// normalizeNoteStatus repairs rows imported before the status column became
// mandatory.
func normalizeNoteStatus(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("status IS NULL OR status = ''").
		Update("status", notes.NoteStatusDone).Error
}

// resetEmptyKindSets clears legacy empty-string kind data back to NULL so
// the backfill selection predicate treats all three legacy states alike.
func resetEmptyKindSets(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("kinds_json = ''").
		Update("kinds_json", nil).Error
}

// createNotesSearchIndex introduces the notes_fts full-text index. The
// rebuild indexes rows written before the triggers existed.
func createNotesSearchIndex(db *gorm.DB) error {
	if err := notes.EnsureSearchIndex(db); err != nil {
		return err
	}
	return notes.RebuildSearchIndex(db)
}
