package notes

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Dripmaster/note-nomi/internal/kinds"
)

var (
	errMissingDatabase = errors.New("database handle is required")

	// ErrNoteNotFound indicates the requested note id does not exist.
	ErrNoteNotFound = errors.New("note not found")
	// ErrCategoryNotFound indicates the requested category does not exist.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrInvalidKind indicates a kind filter value outside the closed
	// taxonomy. It is a client error, never silently ignored.
	ErrInvalidKind = errors.New("invalid kind")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "notes.service.new"
	opCreateNote     = "notes.create_note"
	opUpdateNote     = "notes.update_note"
	opGetNote        = "notes.get_note"
	opDeleteNote     = "notes.delete_note"
	opListNotes      = "notes.list_notes"
	opCountKinds     = "notes.count_note_kinds"
	opBackfillKinds  = "notes.backfill_note_kinds"
	opCategories     = "notes.categories"
	opTags           = "notes.tags"
	opBatchUpdate    = "notes.batch_update_metadata"
	opFindBySource   = "notes.find_by_source_url"
	excerptRuneLimit = 200
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig assembles the note store dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns all note, category and tag mutation. Every write path
// recomputes kind labels so the persisted classification is never stale.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	// useJSONEach selects the set-aware kind membership query. The quoted
	// LIKE fallback exists as a documented degraded mode only.
	useJSONEach bool
}

// NewService validates configuration and returns a note store handle.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		useJSONEach: true,
	}, nil
}

// TagInput names a tag to attach to a note.
type TagInput struct {
	Name string
	Type TagType
}

// CreateNoteInput carries the fields for a new note. Category is resolved by
// name and created when missing; timestamps default to the service clock.
type CreateNoteInput struct {
	SourceURL    string
	ContentFull  string
	AITitle      string
	SummaryShort string
	SummaryLong  string
	Category     string
	Tags         []TagInput
	Status       NoteStatus
	ErrorMessage string
	CreatedAt    *time.Time
	AnalyzedAt   *time.Time
}

// UpdateNoteInput patches an existing note. Nil pointers leave the field
// untouched; kinds are recomputed whenever a classified field changes.
type UpdateNoteInput struct {
	SourceURL    *string
	ContentFull  *string
	AITitle      *string
	SummaryShort *string
	SummaryLong  *string
	Category     *string
	Tags         *[]TagInput
	Status       *NoteStatus
	ErrorMessage *string
	AnalyzedAt   *time.Time
}

// CreateNote persists a note with kind labels computed as part of the same
// write.
func (s *Service) CreateNote(ctx context.Context, input CreateNoteInput) (*Note, error) {
	if strings.TrimSpace(input.SourceURL) == "" {
		return nil, newServiceError(opCreateNote, "missing_source_url", errors.New("sourceUrl is required"))
	}
	if input.ContentFull == "" {
		return nil, newServiceError(opCreateNote, "missing_content", errors.New("contentFull is required"))
	}

	status := input.Status
	if status == "" {
		status = NoteStatusDone
	}

	now := s.clock().UTC()
	createdAt := now
	if input.CreatedAt != nil {
		createdAt = input.CreatedAt.UTC()
	}

	note := &Note{
		SourceURL:      input.SourceURL,
		SourceDomain:   deriveSourceDomain(input.SourceURL),
		ContentFull:    input.ContentFull,
		ContentExcerpt: deriveExcerpt(input.ContentFull),
		AITitle:        input.AITitle,
		SummaryShort:   input.SummaryShort,
		SummaryLong:    input.SummaryLong,
		Status:         status,
		ErrorMessage:   input.ErrorMessage,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		AnalyzedAt:     input.AnalyzedAt,
	}
	applyKinds(note)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.Category != "" {
			category, err := findOrCreateCategory(tx, input.Category, "", now)
			if err != nil {
				return newServiceError(opCreateNote, "category_resolve_failed", err)
			}
			note.CategoryID = &category.ID
		}

		if err := tx.Omit("Tags", "Category").Create(note).Error; err != nil {
			return newServiceError(opCreateNote, "note_insert_failed", err)
		}

		if len(input.Tags) > 0 {
			if err := replaceNoteTags(tx, note, input.Tags); err != nil {
				return newServiceError(opCreateNote, "tag_attach_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateNote, "transaction_failed", txErr, zap.String("source_url", input.SourceURL))
		return nil, txErr
	}

	return s.GetNote(ctx, note.ID)
}

// UpdateNote applies a partial patch. When any of sourceUrl, contentFull,
// summaryShort or summaryLong changes, both kind columns are recomputed and
// persisted in the same write.
func (s *Service) UpdateNote(ctx context.Context, noteID int64, patch UpdateNoteInput) (*Note, error) {
	now := s.clock().UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		if err := tx.Where("id = ?", noteID).Take(&note).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opUpdateNote, "note_not_found", ErrNoteNotFound)
			}
			return newServiceError(opUpdateNote, "note_select_failed", err)
		}

		classifiedChanged := false
		if patch.SourceURL != nil && *patch.SourceURL != note.SourceURL {
			note.SourceURL = *patch.SourceURL
			note.SourceDomain = deriveSourceDomain(note.SourceURL)
			classifiedChanged = true
		}
		if patch.ContentFull != nil && *patch.ContentFull != note.ContentFull {
			note.ContentFull = *patch.ContentFull
			note.ContentExcerpt = deriveExcerpt(note.ContentFull)
			classifiedChanged = true
		}
		if patch.SummaryShort != nil && *patch.SummaryShort != note.SummaryShort {
			note.SummaryShort = *patch.SummaryShort
			classifiedChanged = true
		}
		if patch.SummaryLong != nil && *patch.SummaryLong != note.SummaryLong {
			note.SummaryLong = *patch.SummaryLong
			classifiedChanged = true
		}
		if patch.AITitle != nil {
			note.AITitle = *patch.AITitle
		}
		if patch.Status != nil {
			note.Status = *patch.Status
		}
		if patch.ErrorMessage != nil {
			note.ErrorMessage = *patch.ErrorMessage
		}
		if patch.AnalyzedAt != nil {
			note.AnalyzedAt = patch.AnalyzedAt
		}
		if patch.Category != nil {
			if *patch.Category == "" {
				note.CategoryID = nil
			} else {
				category, err := findOrCreateCategory(tx, *patch.Category, "", now)
				if err != nil {
					return newServiceError(opUpdateNote, "category_resolve_failed", err)
				}
				note.CategoryID = &category.ID
			}
		}

		if classifiedChanged || needsKindRepair(&note) {
			applyKinds(&note)
		}
		note.UpdatedAt = now

		if err := tx.Omit("Tags", "Category").Save(&note).Error; err != nil {
			return newServiceError(opUpdateNote, "note_save_failed", err)
		}

		if patch.Tags != nil {
			if err := replaceNoteTags(tx, &note, *patch.Tags); err != nil {
				return newServiceError(opUpdateNote, "tag_replace_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNoteNotFound) {
			s.logError(opUpdateNote, "transaction_failed", txErr, zap.Int64("note_id", noteID))
		}
		return nil, txErr
	}

	return s.GetNote(ctx, noteID)
}

// GetNote loads a single note. Rows predating the kind rollout get their
// kind labels recomputed in memory for the returned value; the row itself is
// only corrected by genuine write paths or the explicit backfill.
func (s *Service) GetNote(ctx context.Context, noteID int64) (*Note, error) {
	var note Note
	err := s.db.WithContext(ctx).
		Preload("Category").
		Preload("Tags").
		Where("id = ?", noteID).
		Take(&note).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(opGetNote, "note_not_found", ErrNoteNotFound)
		}
		s.logError(opGetNote, "query_failed", err, zap.Int64("note_id", noteID))
		return nil, newServiceError(opGetNote, "query_failed", err)
	}

	if needsKindRepair(&note) {
		applyKinds(&note)
	}
	return &note, nil
}

// FindNoteBySourceURL returns the most recent note captured from the given
// source, or nil when none exists. Used for duplicate-skip on imports.
func (s *Service) FindNoteBySourceURL(ctx context.Context, sourceURL string) (*Note, error) {
	var note Note
	err := s.db.WithContext(ctx).
		Where("source_url = ?", sourceURL).
		Order("id DESC").
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFindBySource, "query_failed", err, zap.String("source_url", sourceURL))
		return nil, newServiceError(opFindBySource, "query_failed", err)
	}
	if needsKindRepair(&note) {
		applyKinds(&note)
	}
	return &note, nil
}

// DeleteNote removes a note and its tag associations. Shared tags survive.
func (s *Service) DeleteNote(ctx context.Context, noteID int64) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		if err := tx.Where("id = ?", noteID).Take(&note).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opDeleteNote, "note_not_found", ErrNoteNotFound)
			}
			return newServiceError(opDeleteNote, "note_select_failed", err)
		}
		if err := tx.Exec("DELETE FROM note_tags WHERE note_id = ?", noteID).Error; err != nil {
			return newServiceError(opDeleteNote, "tag_unlink_failed", err)
		}
		if err := tx.Delete(&note).Error; err != nil {
			return newServiceError(opDeleteNote, "note_delete_failed", err)
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, ErrNoteNotFound) {
		s.logError(opDeleteNote, "transaction_failed", txErr, zap.Int64("note_id", noteID))
	}
	return txErr
}

func needsKindRepair(note *Note) bool {
	if note.PrimaryKind == nil || *note.PrimaryKind == "" {
		return true
	}
	if note.KindsJSON == nil || *note.KindsJSON == "" || *note.KindsJSON == "[]" {
		return true
	}
	return false
}

func applyKinds(note *Note) {
	primary, set := kinds.ComputeNoteKinds(note.SourceURL, note.ContentFull, note.SummaryShort, note.SummaryLong)
	primaryValue := string(primary)
	serialized := marshalKinds(set)
	note.PrimaryKind = &primaryValue
	note.KindsJSON = &serialized
}

func deriveSourceDomain(sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func deriveExcerpt(content string) string {
	trimmed := strings.TrimSpace(content)
	if utf8.RuneCountInString(trimmed) <= excerptRuneLimit {
		return trimmed
	}
	runes := []rune(trimmed)
	return string(runes[:excerptRuneLimit])
}

func findOrCreateCategory(tx *gorm.DB, name, color string, now time.Time) (*Category, error) {
	var category Category
	err := tx.Where("name = ?", name).Take(&category).Error
	if err == nil {
		return &category, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	category = Category{Name: name, Color: color, CreatedAt: now, UpdatedAt: now}
	if err := tx.Create(&category).Error; err != nil {
		return nil, err
	}
	return &category, nil
}

func replaceNoteTags(tx *gorm.DB, note *Note, inputs []TagInput) error {
	resolved := make([]Tag, 0, len(inputs))
	for _, input := range inputs {
		name := strings.TrimSpace(input.Name)
		if name == "" {
			continue
		}
		tagType := input.Type
		if tagType == "" {
			tagType = TagTypePlain
		}
		var tag Tag
		err := tx.Where("name = ? AND type = ?", name, tagType).Take(&tag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			tag = Tag{Name: name, Type: tagType}
			if err := tx.Create(&tag).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		resolved = append(resolved, tag)
	}
	return tx.Model(note).Association("Tags").Replace(resolved)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("note store error", attrs...)
}
