package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Dripmaster/note-nomi/internal/export"
	"github.com/Dripmaster/note-nomi/internal/ingest"
	"github.com/Dripmaster/note-nomi/internal/notes"
)

// Dependencies carries everything the HTTP surface needs. Every field is
// required except Logger, which falls back to zap.NewNop.
type Dependencies struct {
	Notes    *notes.Service
	Jobs     *ingest.Service
	Pipeline *ingest.Pipeline
	Runner   *ingest.Runner
	Exports  *export.Registry
	Logger   *zap.Logger
}

type httpHandler struct {
	notes    *notes.Service
	jobs     *ingest.Service
	pipeline *ingest.Pipeline
	runner   *ingest.Runner
	exports  *export.Registry
	logger   *zap.Logger
}

// NewRouter wires the gin engine with CORS, health, and the v1 API.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Notes == nil {
		return nil, errors.New("server: notes service is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("server: ingest service is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("server: runner is required")
	}
	if deps.Exports == nil {
		return nil, errors.New("server: export registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		notes:    deps.Notes,
		jobs:     deps.Jobs,
		pipeline: deps.Pipeline,
		runner:   deps.Runner,
		exports:  deps.Exports,
		logger:   logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/ingestions", handler.createIngestion)
		v1.GET("/ingestions/:id", handler.getIngestion)
		v1.POST("/ingestions/:id/retry", handler.retryIngestion)
		v1.POST("/ingestions/:id/items/:itemId/retry", handler.retryIngestionItem)

		v1.GET("/notes", handler.listNotes)
		v1.GET("/notes/kind-counts", handler.countNoteKinds)
		v1.PATCH("/notes/batch", handler.batchPatchNotes)
		v1.GET("/notes/:id", handler.getNote)
		v1.PATCH("/notes/:id", handler.patchNote)
		v1.DELETE("/notes/:id", handler.deleteNote)
		v1.POST("/notes/:id/reanalyze", handler.reanalyzeNote)

		v1.GET("/search", handler.searchNotes)

		v1.GET("/categories", handler.listCategories)
		v1.POST("/categories", handler.createCategory)
		v1.PATCH("/categories", handler.renameCategory)
		v1.PATCH("/categories/:id", handler.renameCategoryByID)
		v1.POST("/categories/merge", handler.mergeCategories)
		v1.DELETE("/categories/:id", handler.deleteCategory)

		v1.GET("/tags", handler.listTags)

		v1.POST("/import/kakaotalk-csv", handler.importKakaoTalkCSV)
		v1.POST("/import/urls-csv", handler.importURLsCSV)

		v1.POST("/exports/notebooklm", handler.createExport)
		v1.GET("/exports/:id/download", handler.downloadExport)
	}

	return engine, nil
}

func (h *httpHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notes.ErrInvalidKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
	case errors.Is(err, notes.ErrCategoryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "category_not_found"})
	case errors.Is(err, ingest.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
	case errors.Is(err, ingest.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "item_not_found"})
	case errors.Is(err, ingest.ErrItemNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": "item_not_retryable"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

func parseListFilters(c *gin.Context) (notes.ListFilters, bool) {
	filters := notes.ListFilters{
		Query:    c.Query("q"),
		Category: c.Query("category"),
		Tag:      c.Query("tag"),
		Status:   c.Query("status"),
		Kind:     c.Query("kind"),
	}
	if raw := c.Query("categoryId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category_id"})
			return filters, false
		}
		filters.CategoryID = &id
	}
	for name, target := range map[string]**time.Time{"from": &filters.From, "to": &filters.To} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		parsed, err := parseDateParam(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
			return filters, false
		}
		*target = &parsed
	}
	return filters, true
}

func parseDateParam(raw string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", raw)
}

func parseListPage(c *gin.Context) notes.ListPage {
	page := notes.ListPage{Sort: c.Query("sort")}
	if raw := c.Query("page"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			page.Page = parsed
		}
	}
	if raw := c.Query("size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			page.Size = parsed
		}
	}
	return page
}

func (h *httpHandler) listNotes(c *gin.Context) {
	filters, ok := parseListFilters(c)
	if !ok {
		return
	}
	page := parseListPage(c)

	noteList, total, err := h.notes.ListNotes(c.Request.Context(), filters, page)
	if err != nil {
		h.renderError(c, err)
		return
	}

	views := make([]noteView, 0, len(noteList))
	for index := range noteList {
		views = append(views, renderNote(&noteList[index]))
	}
	c.JSON(http.StatusOK, gin.H{"items": views, "total": total})
}

func (h *httpHandler) countNoteKinds(c *gin.Context) {
	filters, ok := parseListFilters(c)
	if !ok {
		return
	}
	filters.Kind = ""

	result, err := h.notes.CountNoteKinds(c.Request.Context(), filters)
	if err != nil {
		h.renderError(c, err)
		return
	}

	items := make([]gin.H, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, gin.H{"kind": string(item.Kind), "count": item.Count})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "totalNotes": result.TotalNotes})
}

func (h *httpHandler) getNote(c *gin.Context) {
	noteID, ok := pathID(c, "id")
	if !ok {
		return
	}
	note, err := h.notes.GetNote(c.Request.Context(), noteID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderNote(note))
}

func (h *httpHandler) patchNote(c *gin.Context) {
	noteID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload notePatchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	note, err := h.notes.UpdateNote(c.Request.Context(), noteID, payload.toInput())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderNote(note))
}

func (h *httpHandler) deleteNote(c *gin.Context) {
	noteID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.notes.DeleteNote(c.Request.Context(), noteID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) batchPatchNotes(c *gin.Context) {
	var payload noteBatchPatchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}

	patch := notes.BatchMetadataPatch{Category: payload.Category}
	if payload.Tags != nil {
		inputs := make([]notes.TagInput, 0, len(*payload.Tags))
		for _, tag := range *payload.Tags {
			inputs = append(inputs, tag.toInput())
		}
		patch.Tags = &inputs
	}

	updated, err := h.notes.BatchUpdateMetadata(c.Request.Context(), payload.NoteIDs, patch)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) reanalyzeNote(c *gin.Context) {
	noteID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.pipeline.ReanalyzeNote(c.Request.Context(), noteID); err != nil {
		h.renderError(c, err)
		return
	}
	note, err := h.notes.GetNote(c.Request.Context(), noteID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderNote(note))
}

var searchScopes = map[string]bool{
	"":              true,
	"all":           true,
	"title_summary": true,
	"tags":          true,
	"full_content":  true,
}

func (h *httpHandler) searchNotes(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}
	scope := c.Query("scope")
	if !searchScopes[scope] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}

	filters, ok := parseListFilters(c)
	if !ok {
		return
	}
	filters.Query = query
	if scope == "tags" {
		filters.Query = ""
		filters.Tag = query
	}
	page := parseListPage(c)

	noteList, total, err := h.notes.ListNotes(c.Request.Context(), filters, page)
	if err != nil {
		h.renderError(c, err)
		return
	}

	views := make([]noteView, 0, len(noteList))
	for index := range noteList {
		view := renderNote(&noteList[index])
		view.Snippet = makeSnippet(&noteList[index], query)
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"items": views, "total": total, "query": query})
}

const snippetRadius = 60

// makeSnippet returns a window of text around the first match, preferring
// summaries over full content. Matching and windowing both happen over
// runes; lowercasing a string can change its byte length, so byte offsets
// from the folded text must never index the original.
func makeSnippet(note *notes.Note, query string) string {
	needle := foldRunes(query)
	if len(needle) == 0 {
		return ""
	}
	for _, field := range []string{note.SummaryShort, note.SummaryLong, note.ContentFull, note.AITitle} {
		all := []rune(field)
		match := runeIndexFold(all, needle)
		if match < 0 {
			continue
		}
		start := match - snippetRadius
		if start < 0 {
			start = 0
		}
		end := match + len(needle) + snippetRadius
		if end > len(all) {
			end = len(all)
		}
		snippet := string(all[start:end])
		if start > 0 {
			snippet = "…" + snippet
		}
		if end < len(all) {
			snippet += "…"
		}
		return snippet
	}
	return ""
}

func foldRunes(text string) []rune {
	runes := []rune(text)
	for index, r := range runes {
		runes[index] = unicode.ToLower(r)
	}
	return runes
}

// runeIndexFold reports the rune index of the first case-insensitive
// occurrence of needle, or -1. The needle is already folded.
func runeIndexFold(haystack, needle []rune) int {
	for offset := 0; offset+len(needle) <= len(haystack); offset++ {
		matched := true
		for index, r := range needle {
			if unicode.ToLower(haystack[offset+index]) != r {
				matched = false
				break
			}
		}
		if matched {
			return offset
		}
	}
	return -1
}

func (h *httpHandler) listCategories(c *gin.Context) {
	summaries, err := h.notes.ListCategories(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	items := make([]gin.H, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, gin.H{
			"id":        summary.Category.ID,
			"name":      summary.Category.Name,
			"color":     summary.Category.Color,
			"noteCount": summary.NoteCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) createCategory(c *gin.Context) {
	var payload categoryCreatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}
	category, err := h.notes.CreateCategory(c.Request.Context(), payload.Name, payload.Color)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, categoryView{ID: category.ID, Name: category.Name, Color: category.Color})
}

func (h *httpHandler) renameCategory(c *gin.Context) {
	var payload categoryRenamePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}
	category, err := h.notes.RenameCategory(c.Request.Context(), payload.FromName, payload.ToName, payload.Color)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, categoryView{ID: category.ID, Name: category.Name, Color: category.Color})
}

func (h *httpHandler) renameCategoryByID(c *gin.Context) {
	categoryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var payload categoryRenameByIDPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}
	category, err := h.notes.RenameCategoryByID(c.Request.Context(), categoryID, payload.ToName, payload.Color)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, categoryView{ID: category.ID, Name: category.Name, Color: category.Color})
}

func (h *httpHandler) mergeCategories(c *gin.Context) {
	var payload categoryMergePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}
	moved, err := h.notes.MergeCategories(c.Request.Context(), payload.SourceNames, payload.TargetName)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moved": moved})
}

func (h *httpHandler) deleteCategory(c *gin.Context) {
	categoryID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.notes.DeleteCategory(c.Request.Context(), categoryID); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) listTags(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	usage, err := h.notes.ListTagUsage(c.Request.Context(), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	items := make([]gin.H, 0, len(usage))
	for _, entry := range usage {
		items = append(items, gin.H{
			"name":      entry.Name,
			"type":      string(entry.Type),
			"noteCount": entry.Count,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
