package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dripmaster/note-nomi/internal/export"
	"github.com/Dripmaster/note-nomi/internal/notes"
)

const exportPageSize = 200

func (h *httpHandler) createExport(c *gin.Context) {
	var payload exportCreatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}

	format := export.Format(payload.Format)
	if format == "" {
		format = export.FormatMarkdownZip
	}

	noteList, err := h.collectExportNotes(c, payload.Target)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if noteList == nil {
		return
	}
	if len(noteList) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_notes_matched"})
		return
	}

	archive, err := export.BuildArchive(noteList, export.Include(payload.Include), format)
	if err != nil {
		h.renderError(c, err)
		return
	}
	exportID, expiresAt, err := h.exports.Put(archive)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exportId":    exportID,
		"noteCount":   len(noteList),
		"downloadUrl": fmt.Sprintf("/api/v1/exports/%s/download", exportID),
		"expiresAt":   expiresAt,
	})
}

// collectExportNotes resolves the export target to concrete notes. A nil
// slice with nil error means the response was already written.
func (h *httpHandler) collectExportNotes(c *gin.Context, target exportTargetPayload) ([]notes.Note, error) {
	ctx := c.Request.Context()

	if target.Type == "note_ids" || len(target.NoteIDs) > 0 {
		collected := make([]notes.Note, 0, len(target.NoteIDs))
		for _, noteID := range target.NoteIDs {
			note, err := h.notes.GetNote(ctx, noteID)
			if err != nil {
				return nil, err
			}
			collected = append(collected, *note)
		}
		return collected, nil
	}

	filters := notes.ListFilters{Category: target.Category}
	if target.From != "" {
		parsed, err := parseDateParam(target.From)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
			return nil, nil
		}
		filters.From = &parsed
	}
	if target.To != "" {
		parsed, err := parseDateParam(target.To)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
			return nil, nil
		}
		filters.To = &parsed
	}

	collected := make([]notes.Note, 0, exportPageSize)
	for page := 1; ; page++ {
		batch, total, err := h.notes.ListNotes(ctx, filters, notes.ListPage{Page: page, Size: exportPageSize})
		if err != nil {
			return nil, err
		}
		collected = append(collected, batch...)
		if len(batch) == 0 || int64(len(collected)) >= total {
			break
		}
	}
	return collected, nil
}

func (h *httpHandler) downloadExport(c *gin.Context) {
	exportID := c.Param("id")
	archive, present := h.exports.Get(exportID)
	if !present {
		c.JSON(http.StatusNotFound, gin.H{"error": "export_not_found"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportID+".zip"))
	c.Data(http.StatusOK, "application/zip", archive)
}
