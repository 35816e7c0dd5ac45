package ingest

import (
	"encoding/json"
	"time"
)

// ItemStatus enumerates the job item state machine:
// queued → processing → done | failed, with retry as the only backward
// transition (failed → queued).
type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusDone       ItemStatus = "done"
	ItemStatusFailed     ItemStatus = "failed"
)

// Failure codes recorded on failed items.
const (
	FailureCodeFetch   = "fetch_failed"
	FailureCodeExtract = "extract_failed"
	FailureCodeStore   = "store_failed"
)

// Job is one batch ingestion request. Per-status counts are maintained
// incrementally as items transition, never recomputed by scanning items on
// read.
type Job struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RequestedCount  int       `gorm:"column:requested_count;not null"`
	QueuedCount     int       `gorm:"column:queued_count;not null;default:0"`
	ProcessingCount int       `gorm:"column:processing_count;not null;default:0"`
	DoneCount       int       `gorm:"column:done_count;not null;default:0"`
	FailedCount     int       `gorm:"column:failed_count;not null;default:0"`
	OptionsJSON     string    `gorm:"column:options_json;type:text;not null;default:'{}'"`
	Items           []JobItem `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Job) TableName() string {
	return "ingestion_jobs"
}

// JobItem is one URL or memo within a job. Memo items carry their content
// inline and skip the fetch/extract steps. NoteID weakly references the
// created note; the note survives job deletion.
type JobItem struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobID        int64      `gorm:"column:job_id;not null;index:idx_job_items_job"`
	SourceURL    string     `gorm:"column:source_url;type:text;not null"`
	Memo         string     `gorm:"column:memo;type:text;not null;default:''"`
	NoteID       *int64     `gorm:"column:note_id"`
	Status       ItemStatus `gorm:"column:status;size:32;not null"`
	ErrorCode    string     `gorm:"column:error_code;size:64;not null;default:''"`
	ErrorMessage string     `gorm:"column:error_message;type:text;not null;default:''"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (JobItem) TableName() string {
	return "ingestion_job_items"
}

// Options tune how a job's items are processed.
type Options struct {
	SummaryLength    string `json:"summaryLength"`
	AutoCategory     bool   `json:"autoCategory"`
	StoreFullContent bool   `json:"storeFullContent"`
}

// DefaultOptions mirror the submission defaults.
func DefaultOptions() Options {
	return Options{
		SummaryLength:    "standard",
		AutoCategory:     true,
		StoreFullContent: true,
	}
}

func (o Options) marshal() string {
	encoded, err := json.Marshal(o)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func unmarshalOptions(raw string) Options {
	options := DefaultOptions()
	if raw == "" {
		return options
	}
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return DefaultOptions()
	}
	return options
}
