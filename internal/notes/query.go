package notes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Dripmaster/note-nomi/internal/kinds"
)

// ListFilters narrows note listing and counting. Kind must be one of the six
// canonical values when set; anything else fails with ErrInvalidKind before
// any query runs.
type ListFilters struct {
	Query      string
	Category   string
	CategoryID *int64
	Tag        string
	Status     string
	Kind       string
	From       *time.Time
	To         *time.Time
}

// ListPage controls pagination and ordering of ListNotes.
type ListPage struct {
	Page int
	Size int
	Sort string
}

const (
	defaultPageSize    = 20
	maxPageSize        = 200
	defaultBackfillCap = 5000
	defaultBatchSize   = 200
)

var sortExpressions = map[string]string{
	"created_desc": "created_at DESC, id DESC",
	"created_asc":  "created_at ASC, id ASC",
	"updated_desc": "updated_at DESC, id DESC",
	"updated_asc":  "updated_at ASC, id ASC",
}

// ListNotes returns one page of notes plus the filtered total. Filtering,
// including kind membership, runs entirely in the persisted-query layer so
// the total always matches the pages it describes.
func (s *Service) ListNotes(ctx context.Context, filters ListFilters, page ListPage) ([]Note, int64, error) {
	conditions, args, err := s.buildFilterConditions("", filters)
	if err != nil {
		return nil, 0, err
	}

	base := s.db.WithContext(ctx).Model(&Note{})
	for index, condition := range conditions {
		base = base.Where(condition, args[index]...)
	}
	base = base.Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		s.logError(opListNotes, "count_failed", err)
		return nil, 0, newServiceError(opListNotes, "count_failed", err)
	}

	size := page.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	pageNumber := page.Page
	if pageNumber <= 0 {
		pageNumber = 1
	}
	order, known := sortExpressions[page.Sort]
	if !known {
		order = sortExpressions["created_desc"]
	}

	var rows []Note
	err = base.
		Preload("Category").
		Preload("Tags").
		Order(order).
		Offset((pageNumber - 1) * size).
		Limit(size).
		Find(&rows).Error
	if err != nil {
		s.logError(opListNotes, "query_failed", err)
		return nil, 0, newServiceError(opListNotes, "query_failed", err)
	}

	for index := range rows {
		if needsKindRepair(&rows[index]) {
			applyKinds(&rows[index])
		}
	}
	return rows, total, nil
}

// KindCount is one entry of a kind distribution.
type KindCount struct {
	Kind  kinds.Kind
	Count int64
}

// KindCountResult holds per-kind counts over a filtered note set.
//
// Counts overlap by design: a note carrying three kinds contributes to three
// counts, so the sum across Items is usually greater than TotalNotes.
// TotalNotes is the distinct number of notes matching the filters.
type KindCountResult struct {
	Items      []KindCount
	TotalNotes int64
}

// CountNoteKinds aggregates kind membership query-side over the filtered
// note set. The Kind filter is not accepted here; all other ListFilters
// apply.
func (s *Service) CountNoteKinds(ctx context.Context, filters ListFilters) (KindCountResult, error) {
	filters.Kind = ""
	conditions, args, err := s.buildFilterConditions("", filters)
	if err != nil {
		return KindCountResult{}, err
	}

	base := s.db.WithContext(ctx).Model(&Note{})
	flatArgs := make([]interface{}, 0, len(args))
	for index, condition := range conditions {
		base = base.Where(condition, args[index]...)
		flatArgs = append(flatArgs, args[index]...)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		s.logError(opCountKinds, "count_failed", err)
		return KindCountResult{}, newServiceError(opCountKinds, "count_failed", err)
	}

	innerWhere := "kinds_json IS NOT NULL AND json_valid(kinds_json)"
	if len(conditions) > 0 {
		innerWhere += " AND " + strings.Join(conditions, " AND ")
	}
	query := fmt.Sprintf(
		`SELECT je.value AS kind, COUNT(*) AS count
		 FROM (SELECT id, kinds_json FROM notes WHERE %s) AS n, json_each(n.kinds_json) AS je
		 GROUP BY je.value`,
		innerWhere,
	)

	var grouped []struct {
		Kind  string
		Count int64
	}
	if err := s.db.WithContext(ctx).Raw(query, flatArgs...).Scan(&grouped).Error; err != nil {
		s.logError(opCountKinds, "aggregate_failed", err)
		return KindCountResult{}, newServiceError(opCountKinds, "aggregate_failed", err)
	}

	byKind := make(map[kinds.Kind]int64, len(grouped))
	for _, row := range grouped {
		if kind, ok := kinds.ParseKind(row.Kind); ok {
			byKind[kind] += row.Count
		}
	}

	items := make([]KindCount, 0, len(byKind))
	for _, kind := range kinds.Order {
		if count, present := byKind[kind]; present {
			items = append(items, KindCount{Kind: kind, Count: count})
		}
	}
	return KindCountResult{Items: items, TotalNotes: total}, nil
}

// BackfillResult reports one backfill invocation.
type BackfillResult struct {
	Scanned int
	Updated int
}

// BackfillNoteKinds recomputes and persists kind labels for rows whose kind
// data is absent, empty-string or an empty set. The run is capped at maxRows
// and processes batchSize rows per select, so it is safe to interrupt and
// rerun; a repeat run over an unchanged store updates nothing.
func (s *Service) BackfillNoteKinds(ctx context.Context, batchSize, maxRows int) (BackfillResult, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxRows <= 0 {
		maxRows = defaultBackfillCap
	}

	result := BackfillResult{}
	const selection = "primary_kind IS NULL OR primary_kind = '' OR kinds_json IS NULL OR kinds_json = '' OR kinds_json = '[]'"

	for result.Scanned < maxRows {
		limit := batchSize
		if remaining := maxRows - result.Scanned; remaining < limit {
			limit = remaining
		}

		var rows []Note
		err := s.db.WithContext(ctx).
			Where(selection).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			s.logError(opBackfillKinds, "select_failed", err)
			return result, newServiceError(opBackfillKinds, "select_failed", err)
		}
		if len(rows) == 0 {
			break
		}
		result.Scanned += len(rows)

		for index := range rows {
			note := &rows[index]
			applyKinds(note)
			err := s.db.WithContext(ctx).
				Model(&Note{}).
				Where("id = ?", note.ID).
				UpdateColumns(map[string]interface{}{
					"primary_kind": note.PrimaryKind,
					"kinds_json":   note.KindsJSON,
				}).Error
			if err != nil {
				s.logError(opBackfillKinds, "update_failed", err, zap.Int64("note_id", note.ID))
				return result, newServiceError(opBackfillKinds, "update_failed", err)
			}
			result.Updated++
		}

		if len(rows) < limit {
			break
		}
	}
	return result, nil
}

// buildFilterConditions renders filters as SQL fragments with a column
// prefix so the same predicates serve both the ORM listing path and the raw
// aggregation path.
func (s *Service) buildFilterConditions(prefix string, filters ListFilters) ([]string, [][]interface{}, error) {
	conditions := make([]string, 0, 8)
	args := make([][]interface{}, 0, 8)

	if expression := matchExpression(filters.Query); expression != "" {
		conditions = append(conditions, prefix+"id IN (SELECT rowid FROM notes_fts WHERE notes_fts MATCH ?)")
		args = append(args, []interface{}{expression})
	}
	if filters.CategoryID != nil {
		conditions = append(conditions, prefix+"category_id = ?")
		args = append(args, []interface{}{*filters.CategoryID})
	}
	if filters.Category != "" {
		conditions = append(conditions, prefix+"category_id IN (SELECT id FROM categories WHERE name = ?)")
		args = append(args, []interface{}{filters.Category})
	}
	if filters.Tag != "" {
		conditions = append(conditions, prefix+"id IN (SELECT note_tags.note_id FROM note_tags JOIN tags ON tags.id = note_tags.tag_id WHERE tags.name = ?)")
		args = append(args, []interface{}{filters.Tag})
	}
	if filters.Status != "" {
		conditions = append(conditions, prefix+"status = ?")
		args = append(args, []interface{}{filters.Status})
	}
	if filters.From != nil {
		conditions = append(conditions, prefix+"created_at >= ?")
		args = append(args, []interface{}{filters.From.UTC()})
	}
	if filters.To != nil {
		conditions = append(conditions, prefix+"created_at <= ?")
		args = append(args, []interface{}{filters.To.UTC()})
	}
	if filters.Kind != "" {
		kind, ok := kinds.ParseKind(filters.Kind)
		if !ok {
			return nil, nil, newServiceError(opListNotes, "invalid_kind", ErrInvalidKind)
		}
		if s.useJSONEach {
			conditions = append(conditions, fmt.Sprintf(
				"(%[1]skinds_json IS NOT NULL AND json_valid(%[1]skinds_json) AND EXISTS (SELECT 1 FROM json_each(%[1]skinds_json) WHERE json_each.value = ?))", prefix))
			args = append(args, []interface{}{string(kind)})
		} else {
			// Degraded mode: pattern match against the serialized set. The
			// element must be matched with its JSON quotes so e.g.
			// instagram_post never matches inside instagram_post_extra.
			conditions = append(conditions, prefix+"kinds_json LIKE ?")
			args = append(args, []interface{}{`%"` + string(kind) + `"%`})
		}
	}

	return conditions, args, nil
}
