package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")

	// ErrJobNotFound indicates the requested job id does not exist.
	ErrJobNotFound = errors.New("ingestion job not found")
	// ErrItemNotFound indicates the requested job item does not exist.
	ErrItemNotFound = errors.New("ingestion job item not found")
	// ErrItemNotRetryable indicates a retry on an item that is not failed.
	ErrItemNotRetryable = errors.New("only failed items can be retried")
	// errStaleTransition indicates the item left the expected state before
	// the transition ran; another writer got there first.
	errStaleTransition = errors.New("stale item transition")

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
	opServiceNew  = "ingest.service.new"
	opCreateJob   = "ingest.create_job"
	opGetJob      = "ingest.get_job"
	opTransition  = "ingest.transition_item"
	opRetry       = "ingest.retry"
	opQueuedItems = "ingest.queued_items"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig assembles the job tracker dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service tracks ingestion jobs and their items. It is the single writer of
// item and job state; counters move with the item transition in one
// transaction.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates configuration and returns a job tracker.
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
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ItemRequest is one submission entry: a URL to fetch, or a memo whose
// content is already in hand.
type ItemRequest struct {
	SourceURL string
	Memo      string
}

// CreateJob records a batch with all items queued.
func (s *Service) CreateJob(ctx context.Context, requests []ItemRequest, options Options) (*Job, error) {
	if len(requests) == 0 {
		return nil, newServiceError(opCreateJob, "empty_batch", errors.New("at least one url or memo is required"))
	}

	now := s.clock().UTC()
	job := &Job{
		RequestedCount: len(requests),
		QueuedCount:    len(requests),
		OptionsJSON:    options.marshal(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(job).Error; err != nil {
			return newServiceError(opCreateJob, "job_insert_failed", err)
		}
		items := make([]JobItem, 0, len(requests))
		for _, request := range requests {
			items = append(items, JobItem{
				JobID:     job.ID,
				SourceURL: strings.TrimSpace(request.SourceURL),
				Memo:      request.Memo,
				Status:    ItemStatusQueued,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if err := tx.Create(&items).Error; err != nil {
			return newServiceError(opCreateJob, "item_insert_failed", err)
		}
		job.Items = items
		return nil
	})
	if txErr != nil {
		s.logError(opCreateJob, "transaction_failed", txErr, zap.Int("requested", len(requests)))
		return nil, txErr
	}
	return job, nil
}

// GetJob loads a job with its items in creation order.
func (s *Service) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", jobID).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opGetJob, "job_not_found", ErrJobNotFound)
	}
	if err != nil {
		s.logError(opGetJob, "query_failed", err, zap.Int64("job_id", jobID))
		return nil, newServiceError(opGetJob, "query_failed", err)
	}
	return &job, nil
}

// Options returns the processing options recorded on the job.
func (j *Job) Options() Options {
	return unmarshalOptions(j.OptionsJSON)
}

// QueuedItems lists the job's items still awaiting processing.
func (s *Service) QueuedItems(ctx context.Context, jobID int64) ([]JobItem, error) {
	var items []JobItem
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, ItemStatusQueued).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		s.logError(opQueuedItems, "query_failed", err, zap.Int64("job_id", jobID))
		return nil, newServiceError(opQueuedItems, "query_failed", err)
	}
	return items, nil
}

func counterColumn(status ItemStatus) string {
	switch status {
	case ItemStatusQueued:
		return "queued_count"
	case ItemStatusProcessing:
		return "processing_count"
	case ItemStatusDone:
		return "done_count"
	case ItemStatusFailed:
		return "failed_count"
	}
	return ""
}

// transitionItem moves an item between states and shifts the owning job's
// counters in the same transaction. A guard on the current status makes the
// transition a no-op (errStaleTransition) when another writer already moved
// the item.
func (s *Service) transitionItem(ctx context.Context, item *JobItem, from, to ItemStatus, updates map[string]interface{}) error {
	now := s.clock().UTC()
	fromColumn := counterColumn(from)
	toColumn := counterColumn(to)
	if fromColumn == "" || toColumn == "" {
		return newServiceError(opTransition, "unknown_status", fmt.Errorf("transition %s -> %s", from, to))
	}

	fields := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	for key, value := range updates {
		fields[key] = value
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&JobItem{}).
			Where("id = ? AND job_id = ? AND status = ?", item.ID, item.JobID, from).
			Updates(fields)
		if result.Error != nil {
			return newServiceError(opTransition, "item_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opTransition, "stale_transition", errStaleTransition)
		}

		err := tx.Model(&Job{}).
			Where("id = ?", item.JobID).
			Updates(map[string]interface{}{
				fromColumn:   gorm.Expr(fromColumn + " - 1"),
				toColumn:     gorm.Expr(toColumn + " + 1"),
				"updated_at": now,
			}).Error
		if err != nil {
			return newServiceError(opTransition, "counter_update_failed", err)
		}
		return nil
	})
}

// MarkItemProcessing claims a queued item.
func (s *Service) MarkItemProcessing(ctx context.Context, item *JobItem) error {
	return s.transitionItem(ctx, item, ItemStatusQueued, ItemStatusProcessing, nil)
}

// ItemOutcome is the terminal result of processing one item.
type ItemOutcome struct {
	Status       ItemStatus
	NoteID       *int64
	ErrorCode    string
	ErrorMessage string
}

// CompleteItem records the outcome of a processed item.
func (s *Service) CompleteItem(ctx context.Context, item *JobItem, outcome ItemOutcome) error {
	updates := map[string]interface{}{
		"note_id":       outcome.NoteID,
		"error_code":    outcome.ErrorCode,
		"error_message": outcome.ErrorMessage,
	}
	err := s.transitionItem(ctx, item, ItemStatusProcessing, outcome.Status, updates)
	if err != nil {
		s.logError(opTransition, "complete_failed", err,
			zap.Int64("job_id", item.JobID),
			zap.Int64("item_id", item.ID),
			zap.String("status", string(outcome.Status)))
	}
	return err
}

// RetryItem resets one failed item to queued and clears its error.
func (s *Service) RetryItem(ctx context.Context, jobID, itemID int64) (*JobItem, error) {
	var item JobItem
	err := s.db.WithContext(ctx).
		Where("id = ? AND job_id = ?", itemID, jobID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opRetry, "item_not_found", ErrItemNotFound)
	}
	if err != nil {
		return nil, newServiceError(opRetry, "item_select_failed", err)
	}
	if item.Status != ItemStatusFailed {
		return nil, newServiceError(opRetry, "item_not_retryable", ErrItemNotRetryable)
	}

	updates := map[string]interface{}{
		"error_code":    "",
		"error_message": "",
	}
	if err := s.transitionItem(ctx, &item, ItemStatusFailed, ItemStatusQueued, updates); err != nil {
		return nil, err
	}
	return s.getItem(ctx, jobID, itemID)
}

// RetryFailedItems resets every failed item of the job to queued, returning
// how many were reset. The job counters are repaired with one bounded
// per-job aggregate afterwards.
func (s *Service) RetryFailedItems(ctx context.Context, jobID int64) (int64, error) {
	now := s.clock().UTC()
	var reset int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&JobItem{}).
			Where("job_id = ? AND status = ?", jobID, ItemStatusFailed).
			Updates(map[string]interface{}{
				"status":        ItemStatusQueued,
				"error_code":    "",
				"error_message": "",
				"updated_at":    now,
			})
		if result.Error != nil {
			return newServiceError(opRetry, "bulk_reset_failed", result.Error)
		}
		reset = result.RowsAffected
		if reset == 0 {
			return nil
		}
		return s.recalcCounts(tx, jobID, now)
	})
	if txErr != nil {
		s.logError(opRetry, "bulk_transaction_failed", txErr, zap.Int64("job_id", jobID))
		return 0, txErr
	}
	return reset, nil
}

func (s *Service) recalcCounts(tx *gorm.DB, jobID int64, now time.Time) error {
	var counts struct {
		Queued     int
		Processing int
		Done       int
		Failed     int
	}
	err := tx.Model(&JobItem{}).
		Select(
			"SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END) AS queued, "+
				"SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END) AS processing, "+
				"SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END) AS done, "+
				"SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed").
		Where("job_id = ?", jobID).
		Scan(&counts).Error
	if err != nil {
		return newServiceError(opRetry, "recalc_failed", err)
	}
	return tx.Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"queued_count":     counts.Queued,
			"processing_count": counts.Processing,
			"done_count":       counts.Done,
			"failed_count":     counts.Failed,
			"updated_at":       now,
		}).Error
}

func (s *Service) getItem(ctx context.Context, jobID, itemID int64) (*JobItem, error) {
	var item JobItem
	err := s.db.WithContext(ctx).
		Where("id = ? AND job_id = ?", itemID, jobID).
		Take(&item).Error
	if err != nil {
		return nil, newServiceError(opRetry, "item_select_failed", err)
	}
	return &item, nil
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
	s.loggerOrDefault().Error("ingestion tracker error", attrs...)
}
