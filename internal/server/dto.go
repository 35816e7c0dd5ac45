package server

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Dripmaster/note-nomi/internal/ingest"
	"github.com/Dripmaster/note-nomi/internal/notes"
)

type tagPayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (p tagPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.Type, validation.In("", "tag", "hashtag")),
	)
}

func (p tagPayload) toInput() notes.TagInput {
	tagType := notes.TagType(p.Type)
	if tagType == "" {
		tagType = notes.TagTypePlain
	}
	return notes.TagInput{Name: p.Name, Type: tagType}
}

type ingestionOptionsPayload struct {
	SummaryLength    string `json:"summaryLength"`
	AutoCategory     *bool  `json:"autoCategory"`
	StoreFullContent *bool  `json:"storeFullContent"`
}

func (p ingestionOptionsPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SummaryLength, validation.In("", "short", "standard")),
	)
}

func (p ingestionOptionsPayload) toOptions() ingest.Options {
	options := ingest.DefaultOptions()
	if p.SummaryLength != "" {
		options.SummaryLength = p.SummaryLength
	}
	if p.AutoCategory != nil {
		options.AutoCategory = *p.AutoCategory
	}
	if p.StoreFullContent != nil {
		options.StoreFullContent = *p.StoreFullContent
	}
	return options
}

type memoPayload struct {
	Content   string `json:"content"`
	SourceURL string `json:"sourceUrl"`
}

func (p memoPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Content, validation.Required),
	)
}

type ingestionCreatePayload struct {
	URLs    []string                `json:"urls"`
	Memos   []memoPayload           `json:"memos"`
	Options ingestionOptionsPayload `json:"options"`
}

func (p ingestionCreatePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.URLs,
			validation.Required.When(len(p.Memos) == 0).Error("urls or memos required"),
			validation.Each(validation.Required)),
		validation.Field(&p.Memos),
		validation.Field(&p.Options),
	)
}

type notePatchPayload struct {
	AITitle      *string       `json:"aiTitle"`
	SummaryShort *string       `json:"summaryShort"`
	SummaryLong  *string       `json:"summaryLong"`
	ContentFull  *string       `json:"contentFull"`
	SourceURL    *string       `json:"sourceUrl"`
	Category     *string       `json:"category"`
	Tags         *[]tagPayload `json:"tags"`
}

func (p notePatchPayload) toInput() notes.UpdateNoteInput {
	patch := notes.UpdateNoteInput{
		AITitle:      p.AITitle,
		SummaryShort: p.SummaryShort,
		SummaryLong:  p.SummaryLong,
		ContentFull:  p.ContentFull,
		SourceURL:    p.SourceURL,
		Category:     p.Category,
	}
	if p.Tags != nil {
		inputs := make([]notes.TagInput, 0, len(*p.Tags))
		for _, tag := range *p.Tags {
			inputs = append(inputs, tag.toInput())
		}
		patch.Tags = &inputs
	}
	return patch
}

type noteBatchPatchPayload struct {
	NoteIDs  []int64       `json:"noteIds"`
	Category *string       `json:"category"`
	Tags     *[]tagPayload `json:"tags"`
}

func (p noteBatchPatchPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NoteIDs, validation.Required),
	)
}

type categoryCreatePayload struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (p categoryCreatePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
	)
}

type categoryRenamePayload struct {
	FromName string `json:"fromName"`
	ToName   string `json:"toName"`
	Color    string `json:"color"`
}

func (p categoryRenamePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FromName, validation.Required),
		validation.Field(&p.ToName, validation.Required),
	)
}

type categoryRenameByIDPayload struct {
	ToName string `json:"toName"`
	Color  string `json:"color"`
}

func (p categoryRenameByIDPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ToName, validation.Required),
	)
}

type categoryMergePayload struct {
	TargetName  string   `json:"targetName"`
	SourceNames []string `json:"sourceNames"`
}

func (p categoryMergePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.TargetName, validation.Required),
		validation.Field(&p.SourceNames, validation.Required),
	)
}

type exportTargetPayload struct {
	Type     string  `json:"type"`
	Category string  `json:"category"`
	NoteIDs  []int64 `json:"noteIds"`
	From     string  `json:"from"`
	To       string  `json:"to"`
}

type exportCreatePayload struct {
	Target  exportTargetPayload `json:"target"`
	Format  string              `json:"format"`
	Include map[string]bool     `json:"include"`
}

func (p exportCreatePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Format, validation.In("", "markdown_zip", "text_zip")),
	)
}

type categoryView struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type noteView struct {
	ID             int64         `json:"id"`
	SourceURL      string        `json:"sourceUrl"`
	SourceDomain   string        `json:"sourceDomain,omitempty"`
	AITitle        string        `json:"aiTitle"`
	SummaryShort   string        `json:"summaryShort"`
	SummaryLong    string        `json:"summaryLong"`
	ContentFull    string        `json:"contentFull"`
	ContentExcerpt string        `json:"contentExcerpt,omitempty"`
	Category       *categoryView `json:"category"`
	Tags           []tagPayload  `json:"tags"`
	Hashtags       []tagPayload  `json:"hashtags"`
	PrimaryKind    string        `json:"primaryKind"`
	Kinds          []string      `json:"kinds"`
	Status         string        `json:"status"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	AnalyzedAt     *time.Time    `json:"analyzedAt,omitempty"`
	Snippet        string        `json:"snippet,omitempty"`
}

func renderNote(note *notes.Note) noteView {
	view := noteView{
		ID:             note.ID,
		SourceURL:      note.SourceURL,
		SourceDomain:   note.SourceDomain,
		AITitle:        note.AITitle,
		SummaryShort:   note.SummaryShort,
		SummaryLong:    note.SummaryLong,
		ContentFull:    note.ContentFull,
		ContentExcerpt: note.ContentExcerpt,
		Tags:           []tagPayload{},
		Hashtags:       []tagPayload{},
		Status:         string(note.Status),
		ErrorMessage:   note.ErrorMessage,
		CreatedAt:      note.CreatedAt,
		UpdatedAt:      note.UpdatedAt,
		AnalyzedAt:     note.AnalyzedAt,
	}
	if note.Category != nil {
		view.Category = &categoryView{ID: note.Category.ID, Name: note.Category.Name, Color: note.Category.Color}
	}
	for _, tag := range note.Tags {
		entry := tagPayload{Name: tag.Name, Type: string(tag.Type)}
		if tag.Type == notes.TagTypeHashtag {
			view.Hashtags = append(view.Hashtags, entry)
		} else {
			view.Tags = append(view.Tags, entry)
		}
	}
	if note.PrimaryKind != nil {
		view.PrimaryKind = *note.PrimaryKind
	}
	view.Kinds = make([]string, 0, 3)
	for _, kind := range note.KindValues() {
		view.Kinds = append(view.Kinds, string(kind))
	}
	return view
}

type jobItemView struct {
	ID           int64  `json:"id"`
	SourceURL    string `json:"sourceUrl"`
	Status       string `json:"status"`
	NoteID       *int64 `json:"noteId"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type jobView struct {
	JobID  int64          `json:"jobId"`
	Counts map[string]int `json:"counts"`
	Items  []jobItemView  `json:"items"`
}

func renderJob(job *ingest.Job) jobView {
	view := jobView{
		JobID: job.ID,
		Counts: map[string]int{
			"queued":     job.QueuedCount,
			"processing": job.ProcessingCount,
			"done":       job.DoneCount,
			"failed":     job.FailedCount,
		},
		Items: make([]jobItemView, 0, len(job.Items)),
	}
	for _, item := range job.Items {
		view.Items = append(view.Items, jobItemView{
			ID:           item.ID,
			SourceURL:    item.SourceURL,
			Status:       string(item.Status),
			NoteID:       item.NoteID,
			ErrorCode:    item.ErrorCode,
			ErrorMessage: item.ErrorMessage,
		})
	}
	return view
}
