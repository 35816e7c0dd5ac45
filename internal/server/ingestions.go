package server

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Dripmaster/note-nomi/internal/importer"
	"github.com/Dripmaster/note-nomi/internal/ingest"
)

func (h *httpHandler) createIngestion(c *gin.Context) {
	var payload ingestionCreatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": err.Error()})
		return
	}

	requests := make([]ingest.ItemRequest, 0, len(payload.URLs)+len(payload.Memos))
	for _, rawURL := range payload.URLs {
		trimmed := strings.TrimSpace(rawURL)
		if trimmed == "" {
			continue
		}
		requests = append(requests, ingest.ItemRequest{SourceURL: trimmed})
	}
	now := time.Now().UTC()
	for index, memo := range payload.Memos {
		sourceURL := strings.TrimSpace(memo.SourceURL)
		if sourceURL == "" {
			sourceURL = fmt.Sprintf("memo://inline/%s_%d", now.Format(time.RFC3339), index)
		}
		requests = append(requests, ingest.ItemRequest{SourceURL: sourceURL, Memo: memo.Content})
	}
	if len(requests) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "detail": "urls or memos required"})
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), requests, payload.Options.toOptions())
	if err != nil {
		h.renderError(c, err)
		return
	}

	if !h.runner.Enqueue(job.ID) {
		h.logger.Warn("ingestion queue saturated", zap.Int64("job_id", job.ID))
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":          job.ID,
		"requestedCount": len(requests),
		"status":         "queued",
	})
}

func (h *httpHandler) getIngestion(c *gin.Context) {
	jobID, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderJob(job))
}

func (h *httpHandler) retryIngestion(c *gin.Context) {
	jobID, ok := pathID(c, "id")
	if !ok {
		return
	}
	retried, err := h.jobs.RetryFailedItems(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if retried > 0 && !h.runner.Enqueue(jobID) {
		h.logger.Warn("ingestion queue saturated", zap.Int64("job_id", jobID))
	}
	c.JSON(http.StatusOK, gin.H{"retried": retried})
}

func (h *httpHandler) retryIngestionItem(c *gin.Context) {
	jobID, ok := pathID(c, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemId")
	if !ok {
		return
	}
	item, err := h.jobs.RetryItem(c.Request.Context(), jobID, itemID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !h.runner.Enqueue(jobID) {
		h.logger.Warn("ingestion queue saturated", zap.Int64("job_id", jobID))
	}
	c.JSON(http.StatusOK, jobItemView{
		ID:        item.ID,
		SourceURL: item.SourceURL,
		Status:    string(item.Status),
		NoteID:    item.NoteID,
	})
}

func openUploadedFile(c *gin.Context) (multipart.File, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return nil, false
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return nil, false
	}
	return file, true
}

func (h *httpHandler) importKakaoTalkCSV(c *gin.Context) {
	file, ok := openUploadedFile(c)
	if !ok {
		return
	}
	defer file.Close()

	rows, err := importer.ParseMemoCSV(file, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_csv", "detail": err.Error()})
		return
	}

	category := c.PostForm("category")
	ctx := c.Request.Context()
	imported, skipped := 0, 0
	for index, row := range rows {
		input := importer.MemoToNote(row, index, category)
		existing, err := h.notes.FindNoteBySourceURL(ctx, input.SourceURL)
		if err != nil {
			h.renderError(c, err)
			return
		}
		if existing != nil {
			skipped++
			continue
		}
		if _, err := h.notes.CreateNote(ctx, input); err != nil {
			h.renderError(c, err)
			return
		}
		imported++
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported, "skipped": skipped})
}

func (h *httpHandler) importURLsCSV(c *gin.Context) {
	file, ok := openUploadedFile(c)
	if !ok {
		return
	}
	defer file.Close()

	urls, err := importer.ParseURLCSV(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_csv", "detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	requests := make([]ingest.ItemRequest, 0, len(urls))
	skipped := 0
	for _, rawURL := range urls {
		existing, err := h.notes.FindNoteBySourceURL(ctx, rawURL)
		if err != nil {
			h.renderError(c, err)
			return
		}
		if existing != nil {
			skipped++
			continue
		}
		requests = append(requests, ingest.ItemRequest{SourceURL: rawURL})
	}
	if len(requests) == 0 {
		c.JSON(http.StatusOK, gin.H{"jobId": nil, "queued": 0, "skipped": skipped})
		return
	}

	job, err := h.jobs.CreateJob(ctx, requests, ingest.DefaultOptions())
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !h.runner.Enqueue(job.ID) {
		h.logger.Warn("ingestion queue saturated", zap.Int64("job_id", job.ID))
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "queued": len(requests), "skipped": skipped})
}
