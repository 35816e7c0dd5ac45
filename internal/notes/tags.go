package notes

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TagUsage pairs a tag with the number of notes carrying it.
type TagUsage struct {
	Name  string
	Type  TagType
	Count int64
}

// ListTagUsage returns tags ordered by usage, most used first, capped at
// limit. The aggregation runs query-side.
func (s *Service) ListTagUsage(ctx context.Context, limit int) ([]TagUsage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	var rows []TagUsage
	err := s.db.WithContext(ctx).
		Table("tags").
		Select("tags.name AS name, tags.type AS type, COUNT(note_tags.note_id) AS count").
		Joins("JOIN note_tags ON note_tags.tag_id = tags.id").
		Group("tags.id").
		Order("count DESC, tags.name ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		s.logError(opTags, "query_failed", err)
		return nil, newServiceError(opTags, "query_failed", err)
	}
	return rows, nil
}

// BatchMetadataPatch updates category and/or tags across several notes.
type BatchMetadataPatch struct {
	Category *string
	Tags     *[]TagInput
}

// BatchUpdateMetadata applies the patch to every listed note, returning how
// many notes were updated. Missing ids are skipped, not errors.
func (s *Service) BatchUpdateMetadata(ctx context.Context, noteIDs []int64, patch BatchMetadataPatch) (int64, error) {
	if patch.Category == nil && patch.Tags == nil {
		return 0, newServiceError(opBatchUpdate, "missing_patch_fields", errors.New("category or tags required"))
	}

	now := s.clock().UTC()
	var updated int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var categoryID *int64
		if patch.Category != nil && *patch.Category != "" {
			category, err := findOrCreateCategory(tx, *patch.Category, "", now)
			if err != nil {
				return newServiceError(opBatchUpdate, "category_resolve_failed", err)
			}
			categoryID = &category.ID
		}

		for _, noteID := range noteIDs {
			var note Note
			err := tx.Where("id = ?", noteID).Take(&note).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return newServiceError(opBatchUpdate, "note_select_failed", err)
			}

			if patch.Category != nil {
				note.CategoryID = categoryID
			}
			note.UpdatedAt = now
			if err := tx.Omit("Tags", "Category").Save(&note).Error; err != nil {
				return newServiceError(opBatchUpdate, "note_save_failed", err)
			}

			if patch.Tags != nil {
				if err := replaceNoteTags(tx, &note, *patch.Tags); err != nil {
					return newServiceError(opBatchUpdate, "tag_replace_failed", err)
				}
			}
			updated++
		}
		return nil
	})
	if txErr != nil {
		s.logError(opBatchUpdate, "transaction_failed", txErr, zap.Int("note_count", len(noteIDs)))
		return 0, txErr
	}
	return updated, nil
}
