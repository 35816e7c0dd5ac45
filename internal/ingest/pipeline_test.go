package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/Dripmaster/note-nomi/internal/analyze"
	"github.com/Dripmaster/note-nomi/internal/notes"
)

type stubFetcher struct {
	pages map[string]string
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL string) (string, error) {
	page, present := f.pages[rawURL]
	if !present {
		return "", errors.New("connection refused")
	}
	return page, nil
}

type stubAnalyzer struct {
	result analyze.Result
	err    error
	calls  int
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ string) (analyze.Result, error) {
	a.calls++
	if a.err != nil {
		return analyze.Result{}, a.err
	}
	return a.result, nil
}

func passthroughExtractor(rawHTML, _ string) (string, error) {
	return rawHTML, nil
}

func newTestPipeline(t *testing.T, noteService *notes.Service, fetcher ContentFetcher, analyzer analyze.Analyzer) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(PipelineConfig{
		Notes:     noteService,
		Fetcher:   fetcher,
		Extractor: passthroughExtractor,
		Analyzer:  analyzer,
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}
	return pipeline
}

func richContent() string {
	return strings.Repeat("A long paragraph about fermentation. ", 20)
}

func TestProcessItemStoresDoneNoteOnSuccess(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/article")

	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/article": richContent()}}
	analyzer := &stubAnalyzer{result: analyze.Result{
		AITitle:      "Fermentation basics",
		SummaryShort: "Short take.",
		SummaryLong:  "Longer take.",
		Tags:         []string{"fermentation"},
		Hashtags:     []string{"#발효"},
		Category:     "요리",
	}}
	pipeline := newTestPipeline(t, noteService, fetcher, analyzer)

	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], DefaultOptions())
	if outcome.Status != ItemStatusDone || outcome.NoteID == nil {
		t.Fatalf("expected done outcome with note id, got %+v", outcome)
	}

	note, err := noteService.GetNote(context.Background(), *outcome.NoteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if note.Status != notes.NoteStatusDone {
		t.Fatalf("expected done note, got %s", note.Status)
	}
	if note.AITitle != "Fermentation basics" || note.SummaryLong != "Longer take." {
		t.Fatalf("expected enrichment applied, got %+v", note)
	}
	if note.Category == nil || note.Category.Name != "요리" {
		t.Fatalf("expected auto category, got %+v", note.Category)
	}
	if len(note.Tags) != 2 {
		t.Fatalf("expected tag and hashtag attached, got %v", note.Tags)
	}
	if note.AnalyzedAt == nil {
		t.Fatalf("expected analyzedAt set")
	}
}

func TestProcessItemMemoSkipsFetch(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)

	job, err := tracker.CreateJob(context.Background(), []ItemRequest{
		{SourceURL: "kakaotalk://me/2026-05-01_0", Memo: "장보기: 계란, 우유"},
	}, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	// A fetcher with no pages fails every URL; memo items must never call it.
	pipeline := newTestPipeline(t, noteService, &stubFetcher{}, &stubAnalyzer{result: analyze.Result{AITitle: "메모"}})

	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], DefaultOptions())
	if outcome.Status != ItemStatusDone || outcome.NoteID == nil {
		t.Fatalf("expected done outcome, got %+v", outcome)
	}

	note, err := noteService.GetNote(context.Background(), *outcome.NoteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if note.ContentFull != "장보기: 계란, 우유" {
		t.Fatalf("expected memo content stored, got %q", note.ContentFull)
	}
	if note.PrimaryKind == nil || *note.PrimaryKind != "plain_text" {
		t.Fatalf("expected plain_text primary kind, got %v", note.PrimaryKind)
	}
}

func TestProcessItemFetchFailure(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/missing")

	pipeline := newTestPipeline(t, noteService, &stubFetcher{}, &stubAnalyzer{})

	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], DefaultOptions())
	if outcome.Status != ItemStatusFailed || outcome.ErrorCode != FailureCodeFetch {
		t.Fatalf("expected fetch failure, got %+v", outcome)
	}
	if outcome.NoteID != nil {
		t.Fatalf("expected no note on fetch failure")
	}
}

func TestProcessItemExtractFailure(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/empty")

	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/empty": "<html></html>"}}
	pipeline, err := NewPipeline(PipelineConfig{
		Notes:     noteService,
		Fetcher:   fetcher,
		Extractor: func(string, string) (string, error) { return "", nil },
		Analyzer:  &stubAnalyzer{},
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}

	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], DefaultOptions())
	if outcome.Status != ItemStatusFailed || outcome.ErrorCode != FailureCodeExtract {
		t.Fatalf("expected extract failure, got %+v", outcome)
	}
}

func TestProcessItemAnalysisFailureKeepsPartialDoneNote(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/article")

	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/article": richContent()}}
	analyzer := &stubAnalyzer{err: &analyze.AnalysisError{Provider: "anthropic", Err: errors.New("rate limited")}}
	pipeline := newTestPipeline(t, noteService, fetcher, analyzer)

	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], DefaultOptions())
	if outcome.Status != ItemStatusDone || outcome.NoteID == nil {
		t.Fatalf("expected captured item to finish done, got %+v", outcome)
	}

	note, err := noteService.GetNote(context.Background(), *outcome.NoteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if note.Status != notes.NoteStatusPartialDone {
		t.Fatalf("expected partial_done note, got %s", note.Status)
	}
	if !strings.Contains(note.ErrorMessage, "rate limited") {
		t.Fatalf("expected recorded analysis error, got %q", note.ErrorMessage)
	}
}

func TestProcessItemLowContentStaysPartialDone(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/stub")

	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/stub": "Only a sentence."}}
	pipeline := newTestPipeline(t, noteService, fetcher, &stubAnalyzer{result: analyze.Result{AITitle: "Stub"}})

	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], DefaultOptions())
	if outcome.Status != ItemStatusDone || outcome.NoteID == nil {
		t.Fatalf("expected done outcome, got %+v", outcome)
	}
	note, err := noteService.GetNote(context.Background(), *outcome.NoteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if note.Status != notes.NoteStatusPartialDone {
		t.Fatalf("expected low-content note to stay partial_done, got %s", note.Status)
	}
}

func TestProcessItemTruncatesWhenNotStoringFullContent(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/long")

	long := strings.Repeat("가", 1500)
	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/long": long}}
	pipeline := newTestPipeline(t, noteService, fetcher, &stubAnalyzer{result: analyze.Result{AITitle: "Long"}})

	options := DefaultOptions()
	options.StoreFullContent = false
	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], options)
	if outcome.NoteID == nil {
		t.Fatalf("expected note, got %+v", outcome)
	}
	note, err := noteService.GetNote(context.Background(), *outcome.NoteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got := utf8.RuneCountInString(note.ContentFull); got != truncatedContentRunes {
		t.Fatalf("expected stored content truncated to %d runes, got %d", truncatedContentRunes, got)
	}
}

func TestProcessItemShortSummaryOptionDropsLongSummary(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/article")

	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/article": richContent()}}
	analyzer := &stubAnalyzer{result: analyze.Result{AITitle: "T", SummaryShort: "short", SummaryLong: "long"}}
	pipeline := newTestPipeline(t, noteService, fetcher, analyzer)

	options := DefaultOptions()
	options.SummaryLength = "short"
	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], options)
	note, err := noteService.GetNote(context.Background(), *outcome.NoteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if note.SummaryShort != "short" || note.SummaryLong != "" {
		t.Fatalf("expected long summary dropped, got short=%q long=%q", note.SummaryShort, note.SummaryLong)
	}
}

func TestReanalyzeNoteUsesStoredContent(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/article")

	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/article": richContent()}}
	failing := &stubAnalyzer{err: errors.New("timeout")}
	pipeline := newTestPipeline(t, noteService, fetcher, failing)

	outcome := pipeline.ProcessItem(context.Background(), job.Items[0], DefaultOptions())
	if outcome.NoteID == nil {
		t.Fatalf("expected captured note, got %+v", outcome)
	}

	// Second pass succeeds without another fetch: drop the page first.
	delete(fetcher.pages, "https://example.com/article")
	recovered := &stubAnalyzer{result: analyze.Result{AITitle: "Recovered"}}
	pipeline = newTestPipeline(t, noteService, fetcher, recovered)

	if err := pipeline.ReanalyzeNote(context.Background(), *outcome.NoteID); err != nil {
		t.Fatalf("unexpected reanalyze error: %v", err)
	}
	note, err := noteService.GetNote(context.Background(), *outcome.NoteID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if note.Status != notes.NoteStatusDone || note.AITitle != "Recovered" {
		t.Fatalf("expected recovered done note, got status=%s title=%q", note.Status, note.AITitle)
	}
	if note.ErrorMessage != "" {
		t.Fatalf("expected error cleared after recovery, got %q", note.ErrorMessage)
	}
}

func TestRunnerProcessesJobEndToEnd(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	job := mustCreateJob(t, tracker, "https://example.com/good", "https://example.com/bad")

	fetcher := &stubFetcher{pages: map[string]string{"https://example.com/good": richContent()}}
	pipeline := newTestPipeline(t, noteService, fetcher, &stubAnalyzer{result: analyze.Result{AITitle: "Good"}})

	runner, err := NewRunner(context.Background(), RunnerConfig{Jobs: tracker, Pipeline: pipeline, Workers: 1})
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}
	if !runner.Enqueue(job.ID) {
		t.Fatalf("expected enqueue to succeed")
	}
	if err := runner.Shutdown(); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	assertCounts(t, tracker, job.ID, 0, 0, 1, 1)
	reloaded, err := tracker.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	var failedItem *JobItem
	for index := range reloaded.Items {
		if reloaded.Items[index].Status == ItemStatusFailed {
			failedItem = &reloaded.Items[index]
		}
	}
	if failedItem == nil || failedItem.ErrorCode != FailureCodeFetch {
		t.Fatalf("expected one fetch-failed item, got %+v", reloaded.Items)
	}

	// Retrying the failed item re-queues it; a fresh runner drains it again.
	if _, err := tracker.RetryItem(context.Background(), job.ID, failedItem.ID); err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	fetcher.pages["https://example.com/bad"] = richContent()
	runner, err = NewRunner(context.Background(), RunnerConfig{Jobs: tracker, Pipeline: pipeline, Workers: 1})
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}
	if !runner.Enqueue(job.ID) {
		t.Fatalf("expected enqueue to succeed")
	}
	if err := runner.Shutdown(); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	assertCounts(t, tracker, job.ID, 0, 0, 2, 0)
}

func TestRunnerEnqueueDuringShutdownDoesNotPanic(t *testing.T) {
	tracker, noteService, _ := newTestTracker(t)
	fetcher := &stubFetcher{pages: map[string]string{}}
	pipeline := newTestPipeline(t, noteService, fetcher, &stubAnalyzer{})

	runner, err := NewRunner(context.Background(), RunnerConfig{Jobs: tracker, Pipeline: pipeline, Workers: 2})
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}

	// Hammer Enqueue from several goroutines while Shutdown closes the
	// queue. A send that raced the close would panic one of them.
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for index := int64(0); index < 200; index++ {
				runner.Enqueue(base*1000 + index)
			}
		}(int64(worker))
	}
	if err := runner.Shutdown(); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	wg.Wait()

	if runner.Enqueue(1) {
		t.Fatalf("expected enqueue to refuse after shutdown")
	}
}
