package notes

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CategorySummary pairs a category with its note count.
type CategorySummary struct {
	Category  Category
	NoteCount int64
}

// ListCategories returns all categories with query-side note counts.
func (s *Service) ListCategories(ctx context.Context) ([]CategorySummary, error) {
	var categories []Category
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&categories).Error; err != nil {
		s.logError(opCategories, "query_failed", err)
		return nil, newServiceError(opCategories, "query_failed", err)
	}

	var counts []struct {
		CategoryID int64
		Count      int64
	}
	err := s.db.WithContext(ctx).
		Model(&Note{}).
		Select("category_id, COUNT(*) AS count").
		Where("category_id IS NOT NULL").
		Group("category_id").
		Scan(&counts).Error
	if err != nil {
		s.logError(opCategories, "count_failed", err)
		return nil, newServiceError(opCategories, "count_failed", err)
	}

	countByID := make(map[int64]int64, len(counts))
	for _, row := range counts {
		countByID[row.CategoryID] = row.Count
	}

	summaries := make([]CategorySummary, 0, len(categories))
	for _, category := range categories {
		summaries = append(summaries, CategorySummary{
			Category:  category,
			NoteCount: countByID[category.ID],
		})
	}
	return summaries, nil
}

// CreateCategory adds a category, reusing an existing row with the same name.
func (s *Service) CreateCategory(ctx context.Context, name, color string) (*Category, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, newServiceError(opCategories, "missing_name", errors.New("category name is required"))
	}

	now := s.clock().UTC()
	var category *Category
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolved, err := findOrCreateCategory(tx, trimmed, color, now)
		if err != nil {
			return newServiceError(opCategories, "create_failed", err)
		}
		if color != "" && resolved.Color != color {
			resolved.Color = color
			resolved.UpdatedAt = now
			if err := tx.Save(resolved).Error; err != nil {
				return newServiceError(opCategories, "color_update_failed", err)
			}
		}
		category = resolved
		return nil
	})
	if txErr != nil {
		s.logError(opCategories, "create_transaction_failed", txErr, zap.String("name", trimmed))
		return nil, txErr
	}
	return category, nil
}

// RenameCategory renames a category addressed by its current name.
func (s *Service) RenameCategory(ctx context.Context, fromName, toName, color string) (*Category, error) {
	var category Category
	err := s.db.WithContext(ctx).Where("name = ?", fromName).Take(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opCategories, "category_not_found", ErrCategoryNotFound)
	}
	if err != nil {
		s.logError(opCategories, "rename_select_failed", err, zap.String("from", fromName))
		return nil, newServiceError(opCategories, "rename_select_failed", err)
	}
	return s.RenameCategoryByID(ctx, category.ID, toName, color)
}

// RenameCategoryByID renames a category addressed by id.
func (s *Service) RenameCategoryByID(ctx context.Context, categoryID int64, toName, color string) (*Category, error) {
	trimmed := strings.TrimSpace(toName)
	if trimmed == "" {
		return nil, newServiceError(opCategories, "missing_name", errors.New("category name is required"))
	}

	var category Category
	err := s.db.WithContext(ctx).Where("id = ?", categoryID).Take(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opCategories, "category_not_found", ErrCategoryNotFound)
	}
	if err != nil {
		s.logError(opCategories, "rename_select_failed", err, zap.Int64("category_id", categoryID))
		return nil, newServiceError(opCategories, "rename_select_failed", err)
	}

	category.Name = trimmed
	if color != "" {
		category.Color = color
	}
	category.UpdatedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&category).Error; err != nil {
		s.logError(opCategories, "rename_failed", err, zap.Int64("category_id", categoryID))
		return nil, newServiceError(opCategories, "rename_failed", err)
	}
	return &category, nil
}

// MergeCategories retargets notes from the source categories onto the target
// category, creating the target when needed and removing drained sources.
// Returns the number of notes moved.
func (s *Service) MergeCategories(ctx context.Context, sourceNames []string, targetName string) (int64, error) {
	trimmed := strings.TrimSpace(targetName)
	if trimmed == "" {
		return 0, newServiceError(opCategories, "missing_name", errors.New("target category name is required"))
	}

	now := s.clock().UTC()
	var moved int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := findOrCreateCategory(tx, trimmed, "", now)
		if err != nil {
			return newServiceError(opCategories, "merge_target_failed", err)
		}

		for _, sourceName := range sourceNames {
			if sourceName == target.Name {
				continue
			}
			var source Category
			err := tx.Where("name = ?", sourceName).Take(&source).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return newServiceError(opCategories, "merge_select_failed", err)
			}

			result := tx.Model(&Note{}).
				Where("category_id = ?", source.ID).
				UpdateColumn("category_id", target.ID)
			if result.Error != nil {
				return newServiceError(opCategories, "merge_move_failed", result.Error)
			}
			moved += result.RowsAffected

			if err := tx.Delete(&source).Error; err != nil {
				return newServiceError(opCategories, "merge_delete_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCategories, "merge_transaction_failed", txErr, zap.String("target", trimmed))
		return 0, txErr
	}
	return moved, nil
}

// DeleteCategory removes a category and nulls the reference on its notes.
// Notes themselves are never deleted by this path.
func (s *Service) DeleteCategory(ctx context.Context, categoryID int64) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var category Category
		err := tx.Where("id = ?", categoryID).Take(&category).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCategories, "category_not_found", ErrCategoryNotFound)
		}
		if err != nil {
			return newServiceError(opCategories, "delete_select_failed", err)
		}

		err = tx.Model(&Note{}).
			Where("category_id = ?", categoryID).
			UpdateColumn("category_id", nil).Error
		if err != nil {
			return newServiceError(opCategories, "unlink_failed", err)
		}
		return tx.Delete(&category).Error
	})
	if txErr != nil && !errors.Is(txErr, ErrCategoryNotFound) {
		s.logError(opCategories, "delete_transaction_failed", txErr, zap.Int64("category_id", categoryID))
	}
	return txErr
}
