package notes

import (
	"encoding/json"
	"time"

	"github.com/Dripmaster/note-nomi/internal/kinds"
)

// NoteStatus enumerates the lifecycle states of a captured note.
type NoteStatus string

const (
	// NoteStatusDone marks a note whose content capture and AI enrichment
	// both succeeded.
	NoteStatusDone NoteStatus = "done"
	// NoteStatusPartialDone marks a note whose content was captured but
	// whose AI enrichment failed or was flagged low-content. The note is
	// content-complete and eligible for re-analysis without re-fetching.
	NoteStatusPartialDone NoteStatus = "partial_done"
)

// TagType distinguishes plain tags from hashtags.
type TagType string

const (
	TagTypePlain   TagType = "tag"
	TagTypeHashtag TagType = "hashtag"
)

// Note models a captured item. The kind columns are nullable on purpose:
// rows written before the kind rollout carry NULL and are treated as
// "needs backfill", never as an error.
type Note struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	SourceURL      string     `gorm:"column:source_url;type:text;not null;index:idx_notes_source_url"`
	SourceDomain   string     `gorm:"column:source_domain;size:190;not null;default:''"`
	ContentFull    string     `gorm:"column:content_full;type:text;not null"`
	ContentExcerpt string     `gorm:"column:content_excerpt;type:text;not null;default:''"`
	AITitle        string     `gorm:"column:ai_title;type:text;not null;default:''"`
	SummaryShort   string     `gorm:"column:summary_short;type:text;not null;default:''"`
	SummaryLong    string     `gorm:"column:summary_long;type:text;not null;default:''"`
	CategoryID     *int64     `gorm:"column:category_id;index:idx_notes_category"`
	Category       *Category  `gorm:"foreignKey:CategoryID;constraint:OnDelete:SET NULL"`
	Tags           []Tag      `gorm:"many2many:note_tags;constraint:OnDelete:CASCADE"`
	Status         NoteStatus `gorm:"column:status;size:32;not null"`
	ErrorMessage   string     `gorm:"column:error_message;type:text;not null;default:''"`
	PrimaryKind    *string    `gorm:"column:primary_kind;size:32"`
	KindsJSON      *string    `gorm:"column:kinds_json;type:text"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;index:idx_notes_created"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null"`
	AnalyzedAt     *time.Time `gorm:"column:analyzed_at"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// KindValues decodes the persisted kind set. Unset or unreadable kind data
// yields nil so callers can detect rows awaiting backfill.
func (n *Note) KindValues() []kinds.Kind {
	if n.KindsJSON == nil || *n.KindsJSON == "" {
		return nil
	}
	var decoded []kinds.Kind
	if err := json.Unmarshal([]byte(*n.KindsJSON), &decoded); err != nil {
		return nil
	}
	return decoded
}

// Category groups notes under a user-managed name and display color.
// Deleting a category nulls the reference on its notes.
type Category struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;size:190;not null;uniqueIndex:idx_categories_name"`
	Color     string    `gorm:"column:color;size:32;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return "categories"
}

// Tag is shared across notes; uniqueness is on (name, type).
type Tag struct {
	ID   int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Name string  `gorm:"column:name;size:190;not null;uniqueIndex:idx_tags_name_type,priority:1"`
	Type TagType `gorm:"column:type;size:16;not null;uniqueIndex:idx_tags_name_type,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

func marshalKinds(set []kinds.Kind) string {
	encoded, err := json.Marshal(set)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}
