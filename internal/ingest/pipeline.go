package ingest

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Dripmaster/note-nomi/internal/analyze"
	"github.com/Dripmaster/note-nomi/internal/fetch"
	"github.com/Dripmaster/note-nomi/internal/notes"
)

// ContentFetcher retrieves raw source content for a URL.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Extractor pulls main text out of raw markup.
type Extractor func(rawHTML, sourceURL string) (string, error)

const truncatedContentRunes = 1000

// PipelineConfig assembles the per-item processing dependencies.
type PipelineConfig struct {
	Notes           *notes.Service
	Fetcher         ContentFetcher
	Extractor       Extractor
	Analyzer        analyze.Analyzer
	FetchTimeout    time.Duration
	AnalyzeTimeout  time.Duration
	DefaultCategory string
	Logger          *zap.Logger
}

// Pipeline turns one job item into a stored, searchable note. Content
// capture and AI enrichment are decoupled: once extraction succeeds the note
// is persisted immediately, so a later analysis failure leaves a
// content-complete partial_done note instead of losing the capture.
type Pipeline struct {
	notes           *notes.Service
	fetcher         ContentFetcher
	extractor       Extractor
	analyzer        analyze.Analyzer
	fetchTimeout    time.Duration
	analyzeTimeout  time.Duration
	defaultCategory string
	logger          *zap.Logger
}

// NewPipeline validates configuration and returns a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Notes == nil {
		return nil, errors.New("ingest: notes service is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("ingest: fetcher is required")
	}
	if cfg.Analyzer == nil {
		return nil, errors.New("ingest: analyzer is required")
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = fetch.ExtractMainContent
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 8 * time.Second
	}
	analyzeTimeout := cfg.AnalyzeTimeout
	if analyzeTimeout <= 0 {
		analyzeTimeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pipeline{
		notes:           cfg.Notes,
		fetcher:         cfg.Fetcher,
		extractor:       extractor,
		analyzer:        cfg.Analyzer,
		fetchTimeout:    fetchTimeout,
		analyzeTimeout:  analyzeTimeout,
		defaultCategory: cfg.DefaultCategory,
		logger:          logger,
	}, nil
}

// ProcessItem runs fetch → extract → persist → analyze for one item and
// reports the terminal item outcome. Memo items skip fetch and extract.
func (p *Pipeline) ProcessItem(ctx context.Context, item JobItem, options Options) ItemOutcome {
	content, outcome := p.captureContent(ctx, item)
	if outcome != nil {
		return *outcome
	}

	stored := content
	if !options.StoreFullContent {
		stored = runePrefix(content, truncatedContentRunes)
	}

	note, err := p.notes.CreateNote(ctx, notes.CreateNoteInput{
		SourceURL:   item.SourceURL,
		ContentFull: stored,
		Status:      notes.NoteStatusPartialDone,
	})
	if err != nil {
		p.logger.Error("note persist failed",
			zap.Int64("job_id", item.JobID),
			zap.Int64("item_id", item.ID),
			zap.Error(err))
		return ItemOutcome{Status: ItemStatusFailed, ErrorCode: FailureCodeStore, ErrorMessage: err.Error()}
	}

	if err := p.enrichNote(ctx, note.ID, content, options); err != nil {
		// Capture succeeded; the note stays partial_done and remains
		// eligible for re-analysis without re-fetching.
		p.logger.Warn("analysis failed after capture",
			zap.Int64("note_id", note.ID),
			zap.Error(err))
	}
	return ItemOutcome{Status: ItemStatusDone, NoteID: &note.ID}
}

func (p *Pipeline) captureContent(ctx context.Context, item JobItem) (string, *ItemOutcome) {
	if item.Memo != "" {
		return item.Memo, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	raw, err := p.fetcher.Fetch(fetchCtx, item.SourceURL)
	cancel()
	if err != nil {
		return "", &ItemOutcome{Status: ItemStatusFailed, ErrorCode: FailureCodeFetch, ErrorMessage: err.Error()}
	}

	content, err := p.extractor(raw, item.SourceURL)
	if err != nil || content == "" {
		message := "no usable main content"
		if err != nil {
			message = err.Error()
		}
		return "", &ItemOutcome{Status: ItemStatusFailed, ErrorCode: FailureCodeExtract, ErrorMessage: message}
	}
	return content, nil
}

// enrichNote runs the analysis step over already-captured content and writes
// the derived fields. The store recomputes kind labels as part of that
// write.
func (p *Pipeline) enrichNote(ctx context.Context, noteID int64, content string, options Options) error {
	analyzeCtx, cancel := context.WithTimeout(ctx, p.analyzeTimeout)
	result, err := p.analyzer.Analyze(analyzeCtx, content)
	cancel()
	if err != nil {
		message := err.Error()
		if _, updateErr := p.notes.UpdateNote(ctx, noteID, notes.UpdateNoteInput{ErrorMessage: &message}); updateErr != nil {
			p.logger.Error("failed to record analysis error", zap.Int64("note_id", noteID), zap.Error(updateErr))
		}
		return err
	}

	lowContent := result.LowContent || utf8.RuneCountInString(content) < fetch.LowContentRuneThreshold
	status := notes.NoteStatusDone
	if lowContent {
		status = notes.NoteStatusPartialDone
	}

	summaryLong := result.SummaryLong
	if options.SummaryLength == "short" {
		summaryLong = ""
	}

	tagInputs := make([]notes.TagInput, 0, len(result.Tags)+len(result.Hashtags))
	for _, tag := range result.Tags {
		tagInputs = append(tagInputs, notes.TagInput{Name: tag, Type: notes.TagTypePlain})
	}
	for _, hashtag := range result.Hashtags {
		tagInputs = append(tagInputs, notes.TagInput{Name: hashtag, Type: notes.TagTypeHashtag})
	}

	now := p.now()
	clearError := ""
	patch := notes.UpdateNoteInput{
		AITitle:      &result.AITitle,
		SummaryShort: &result.SummaryShort,
		SummaryLong:  &summaryLong,
		Status:       &status,
		ErrorMessage: &clearError,
		Tags:         &tagInputs,
		AnalyzedAt:   &now,
	}
	if options.AutoCategory {
		category := result.Category
		if category == "" {
			category = p.defaultCategory
		}
		if category != "" {
			patch.Category = &category
		}
	}

	_, err = p.notes.UpdateNote(ctx, noteID, patch)
	return err
}

// ReanalyzeNote re-runs the analysis step over a note's stored content
// without re-fetching. Intended for partial_done notes.
func (p *Pipeline) ReanalyzeNote(ctx context.Context, noteID int64) error {
	note, err := p.notes.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	return p.enrichNote(ctx, note.ID, note.ContentFull, DefaultOptions())
}

func (p *Pipeline) now() time.Time {
	return time.Now().UTC()
}

func runePrefix(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
