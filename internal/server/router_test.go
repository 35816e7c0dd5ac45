package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Dripmaster/note-nomi/internal/analyze"
	"github.com/Dripmaster/note-nomi/internal/export"
	"github.com/Dripmaster/note-nomi/internal/ingest"
	"github.com/Dripmaster/note-nomi/internal/notes"
)

type fixedPageFetcher struct {
	pages map[string]string
}

func (f *fixedPageFetcher) Fetch(_ context.Context, rawURL string) (string, error) {
	page, present := f.pages[rawURL]
	if !present {
		return "", fmt.Errorf("fetch %s: HTTP 404", rawURL)
	}
	return page, nil
}

type testServer struct {
	engine  *gin.Engine
	notes   *notes.Service
	jobs    *ingest.Service
	runner  *ingest.Runner
	fetcher *fixedPageFetcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:note_nomi_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}, &notes.Category{}, &notes.Tag{}, &ingest.Job{}, &ingest.JobItem{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := notes.EnsureSearchIndex(db); err != nil {
		t.Fatalf("failed to create search index: %v", err)
	}

	noteService, err := notes.NewService(notes.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	jobService, err := ingest.NewService(ingest.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct job tracker: %v", err)
	}

	fetcher := &fixedPageFetcher{pages: map[string]string{}}
	pipeline, err := ingest.NewPipeline(ingest.PipelineConfig{
		Notes:     noteService,
		Fetcher:   fetcher,
		Extractor: func(rawHTML, _ string) (string, error) { return rawHTML, nil },
		Analyzer:  analyze.NewHeuristicAnalyzer("미분류"),
	})
	if err != nil {
		t.Fatalf("failed to construct pipeline: %v", err)
	}
	runner, err := ingest.NewRunner(context.Background(), ingest.RunnerConfig{
		Jobs:     jobService,
		Pipeline: pipeline,
		Workers:  1,
	})
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}

	engine, err := NewRouter(Dependencies{
		Notes:    noteService,
		Jobs:     jobService,
		Pipeline: pipeline,
		Runner:   runner,
		Exports:  export.NewRegistry(time.Hour, nil),
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}

	return &testServer{engine: engine, notes: noteService, jobs: jobService, runner: runner, fetcher: fetcher}
}

func (s *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.engine.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	recorder := server.request(t, http.MethodGet, "/health", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestCreateIngestionProcessesURLsAndMemos(t *testing.T) {
	server := newTestServer(t)
	server.fetcher.pages["https://example.com/article"] = strings.Repeat("A long article paragraph. ", 30)

	recorder := server.request(t, http.MethodPost, "/api/v1/ingestions", map[string]interface{}{
		"urls":  []string{"https://example.com/article"},
		"memos": []map[string]string{{"content": "장보기 메모"}},
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		JobID          int64  `json:"jobId"`
		RequestedCount int    `json:"requestedCount"`
		Status         string `json:"status"`
	}
	decodeBody(t, recorder, &created)
	if created.RequestedCount != 2 || created.Status != "queued" {
		t.Fatalf("unexpected creation response %+v", created)
	}

	// Shutdown drains the worker before the status check.
	if err := server.runner.Shutdown(); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	statusRecorder := server.request(t, http.MethodGet, fmt.Sprintf("/api/v1/ingestions/%d", created.JobID), nil)
	if statusRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusRecorder.Code)
	}
	var status struct {
		Counts map[string]int `json:"counts"`
		Items  []struct {
			Status string `json:"status"`
			NoteID *int64 `json:"noteId"`
		} `json:"items"`
	}
	decodeBody(t, statusRecorder, &status)
	if status.Counts["done"] != 2 {
		t.Fatalf("expected both items done, got %+v", status.Counts)
	}
	for _, item := range status.Items {
		if item.NoteID == nil {
			t.Fatalf("expected note ids on done items, got %+v", status.Items)
		}
	}
}

func TestCreateIngestionRejectsEmptyPayload(t *testing.T) {
	server := newTestServer(t)

	recorder := server.request(t, http.MethodPost, "/api/v1/ingestions", map[string]interface{}{})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestGetIngestionNotFound(t *testing.T) {
	server := newTestServer(t)

	recorder := server.request(t, http.MethodGet, "/api/v1/ingestions/404", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestRetryIngestionItemFlow(t *testing.T) {
	server := newTestServer(t)

	recorder := server.request(t, http.MethodPost, "/api/v1/ingestions", map[string]interface{}{
		"urls": []string{"https://example.com/broken"},
	})
	var created struct {
		JobID int64 `json:"jobId"`
	}
	decodeBody(t, recorder, &created)
	if err := server.runner.Shutdown(); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	job, err := server.jobs.GetJob(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if job.FailedCount != 1 || job.Items[0].ErrorCode != "fetch_failed" {
		t.Fatalf("expected one fetch-failed item, got %+v", job)
	}

	retryRecorder := server.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/ingestions/%d/items/%d/retry", job.ID, job.Items[0].ID), nil)
	if retryRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", retryRecorder.Code, retryRecorder.Body.String())
	}
	var retried struct {
		Status string `json:"status"`
	}
	decodeBody(t, retryRecorder, &retried)
	if retried.Status != "queued" {
		t.Fatalf("expected requeued item, got %+v", retried)
	}

	// A second retry on the now-queued item conflicts.
	conflict := server.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/ingestions/%d/items/%d/retry", job.ID, job.Items[0].ID), nil)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", conflict.Code)
	}
}

func TestListNotesRejectsUnknownKind(t *testing.T) {
	server := newTestServer(t)

	recorder := server.request(t, http.MethodGet, "/api/v1/notes?kind=podcast", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "invalid_kind") {
		t.Fatalf("expected invalid_kind error, got %s", recorder.Body.String())
	}
}

func TestNoteLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)

	note, err := server.notes.CreateNote(context.Background(), notes.CreateNoteInput{
		SourceURL:   "https://www.youtube.com/watch?v=abc",
		ContentFull: "A cooking video.",
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	getRecorder := server.request(t, http.MethodGet, fmt.Sprintf("/api/v1/notes/%d", note.ID), nil)
	if getRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRecorder.Code)
	}
	var view struct {
		PrimaryKind string   `json:"primaryKind"`
		Kinds       []string `json:"kinds"`
	}
	decodeBody(t, getRecorder, &view)
	if view.PrimaryKind != "youtube" || len(view.Kinds) != 1 {
		t.Fatalf("expected youtube kinds in response, got %+v", view)
	}

	patchRecorder := server.request(t, http.MethodPatch, fmt.Sprintf("/api/v1/notes/%d", note.ID), map[string]interface{}{
		"aiTitle":  "Renamed",
		"category": "요리",
	})
	if patchRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", patchRecorder.Code, patchRecorder.Body.String())
	}

	listRecorder := server.request(t, http.MethodGet, "/api/v1/notes?kind=youtube", nil)
	var listing struct {
		Total int64 `json:"total"`
	}
	decodeBody(t, listRecorder, &listing)
	if listing.Total != 1 {
		t.Fatalf("expected one youtube note, got %d", listing.Total)
	}

	deleteRecorder := server.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/notes/%d", note.ID), nil)
	if deleteRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", deleteRecorder.Code)
	}
	if missing := server.request(t, http.MethodGet, fmt.Sprintf("/api/v1/notes/%d", note.ID), nil); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestKindCountsEndpoint(t *testing.T) {
	server := newTestServer(t)

	seeds := []struct{ url, content string }{
		{"https://www.youtube.com/watch?v=a", "video"},
		{"https://example.com/blog", "See https://youtu.be/b too."},
		{"https://www.threads.net/@user/post/c", "thread"},
	}
	for _, seed := range seeds {
		if _, err := server.notes.CreateNote(context.Background(), notes.CreateNoteInput{
			SourceURL:   seed.url,
			ContentFull: seed.content,
		}); err != nil {
			t.Fatalf("unexpected create error: %v", err)
		}
	}

	recorder := server.request(t, http.MethodGet, "/api/v1/notes/kind-counts", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var counts struct {
		Items []struct {
			Kind  string `json:"kind"`
			Count int64  `json:"count"`
		} `json:"items"`
		TotalNotes int64 `json:"totalNotes"`
	}
	decodeBody(t, recorder, &counts)
	if counts.TotalNotes != 3 {
		t.Fatalf("expected 3 distinct notes, got %d", counts.TotalNotes)
	}
	byKind := map[string]int64{}
	for _, item := range counts.Items {
		byKind[item.Kind] = item.Count
	}
	if byKind["youtube"] != 2 || byKind["other_link"] != 1 || byKind["threads"] != 1 {
		t.Fatalf("unexpected distribution %v", byKind)
	}
}

func TestCategoryEndpoints(t *testing.T) {
	server := newTestServer(t)

	createRecorder := server.request(t, http.MethodPost, "/api/v1/categories", map[string]string{"name": "여행", "color": "#00aaff"})
	if createRecorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", createRecorder.Code)
	}

	if _, err := server.notes.CreateNote(context.Background(), notes.CreateNoteInput{
		SourceURL: "https://example.com/trip", ContentFull: "trip", Category: "여행기록",
	}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	mergeRecorder := server.request(t, http.MethodPost, "/api/v1/categories/merge", map[string]interface{}{
		"targetName":  "여행",
		"sourceNames": []string{"여행기록"},
	})
	if mergeRecorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", mergeRecorder.Code, mergeRecorder.Body.String())
	}

	listRecorder := server.request(t, http.MethodGet, "/api/v1/categories", nil)
	var listing struct {
		Items []struct {
			Name      string `json:"name"`
			NoteCount int64  `json:"noteCount"`
		} `json:"items"`
	}
	decodeBody(t, listRecorder, &listing)
	if len(listing.Items) != 1 || listing.Items[0].Name != "여행" || listing.Items[0].NoteCount != 1 {
		t.Fatalf("expected merged category listing, got %+v", listing.Items)
	}
}

func TestSearchEndpointReturnsSnippets(t *testing.T) {
	server := newTestServer(t)

	if _, err := server.notes.CreateNote(context.Background(), notes.CreateNoteInput{
		SourceURL:    "https://example.com/sourdough",
		ContentFull:  "A very long walkthrough of sourdough fermentation schedules.",
		SummaryShort: "Sourdough schedules explained.",
	}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	recorder := server.request(t, http.MethodGet, "/api/v1/search?q=sourdough", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var results struct {
		Total int64 `json:"total"`
		Items []struct {
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	decodeBody(t, recorder, &results)
	if results.Total != 1 || len(results.Items) != 1 {
		t.Fatalf("expected one hit, got %+v", results)
	}
	if !strings.Contains(strings.ToLower(results.Items[0].Snippet), "sourdough") {
		t.Fatalf("expected snippet around the match, got %q", results.Items[0].Snippet)
	}

	missingQuery := server.request(t, http.MethodGet, "/api/v1/search", nil)
	if missingQuery.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without query, got %d", missingQuery.Code)
	}
}

func TestMakeSnippetWindowsAreRuneSafe(t *testing.T) {
	// U+023A lowercases to U+2C65, which is a byte longer in UTF-8. A byte
	// offset taken from the folded text would run past the original here.
	note := &notes.Note{SummaryShort: strings.Repeat("Ⱥ", 80) + "needle"}

	snippet := makeSnippet(note, "NEEDLE")
	if !strings.Contains(snippet, "needle") {
		t.Fatalf("expected snippet around the match, got %q", snippet)
	}
	if !strings.HasPrefix(snippet, "…") {
		t.Fatalf("expected leading ellipsis on a mid-field match, got %q", snippet)
	}
}

func TestMakeSnippetPrefersSummariesAndBoundsWindow(t *testing.T) {
	note := &notes.Note{
		SummaryShort: "짧은 요약에 김치 발효가 나온다.",
		ContentFull:  strings.Repeat("본문 ", 200) + "김치",
	}

	snippet := makeSnippet(note, "김치")
	if !strings.Contains(snippet, "김치") || strings.Contains(snippet, "본문") {
		t.Fatalf("expected the summary match to win, got %q", snippet)
	}
	if makeSnippet(note, "없는검색어") != "" {
		t.Fatalf("expected empty snippet when nothing matches")
	}
}

func TestImportURLsCSVSkipsExistingNotes(t *testing.T) {
	server := newTestServer(t)

	if _, err := server.notes.CreateNote(context.Background(), notes.CreateNoteInput{
		SourceURL: "https://example.com/known", ContentFull: "known",
	}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	part, err := writer.CreateFormFile("file", "urls.csv")
	if err != nil {
		t.Fatalf("failed to build multipart: %v", err)
	}
	_, _ = io.WriteString(part, "url\nhttps://example.com/known\nhttps://example.com/new\n")
	writer.Close()

	request := httptest.NewRequest(http.MethodPost, "/api/v1/import/urls-csv", &buffer)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	server.engine.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result struct {
		Queued  int `json:"queued"`
		Skipped int `json:"skipped"`
	}
	decodeBody(t, recorder, &result)
	if result.Queued != 1 || result.Skipped != 1 {
		t.Fatalf("expected 1 queued and 1 skipped, got %+v", result)
	}
}

func TestImportKakaoTalkCSVCreatesNotes(t *testing.T) {
	server := newTestServer(t)

	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	part, err := writer.CreateFormFile("file", "kakao.csv")
	if err != nil {
		t.Fatalf("failed to build multipart: %v", err)
	}
	_, _ = io.WriteString(part, "Date,User,Message\n2026-05-01 09:30:00,나,장보기 메모\n")
	writer.Close()

	request := httptest.NewRequest(http.MethodPost, "/api/v1/import/kakaotalk-csv", &buffer)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	server.engine.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result struct {
		Imported int `json:"imported"`
		Skipped  int `json:"skipped"`
	}
	decodeBody(t, recorder, &result)
	if result.Imported != 1 || result.Skipped != 0 {
		t.Fatalf("expected one imported memo, got %+v", result)
	}

	// Re-uploading the same export is a no-op.
	var again bytes.Buffer
	writer = multipart.NewWriter(&again)
	part, _ = writer.CreateFormFile("file", "kakao.csv")
	_, _ = io.WriteString(part, "Date,User,Message\n2026-05-01 09:30:00,나,장보기 메모\n")
	writer.Close()
	request = httptest.NewRequest(http.MethodPost, "/api/v1/import/kakaotalk-csv", &again)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	recorder = httptest.NewRecorder()
	server.engine.ServeHTTP(recorder, request)
	decodeBody(t, recorder, &result)
	if result.Imported != 0 || result.Skipped != 1 {
		t.Fatalf("expected duplicate skipped, got %+v", result)
	}
}

func TestExportAndDownloadFlow(t *testing.T) {
	server := newTestServer(t)

	note, err := server.notes.CreateNote(context.Background(), notes.CreateNoteInput{
		SourceURL: "https://example.com/a", ContentFull: "Body A", AITitle: "First",
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	recorder := server.request(t, http.MethodPost, "/api/v1/exports/notebooklm", map[string]interface{}{
		"target": map[string]interface{}{"type": "note_ids", "noteIds": []int64{note.ID}},
		"format": "markdown_zip",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		ExportID    string `json:"exportId"`
		NoteCount   int    `json:"noteCount"`
		DownloadURL string `json:"downloadUrl"`
	}
	decodeBody(t, recorder, &created)
	if created.NoteCount != 1 || created.ExportID == "" {
		t.Fatalf("unexpected export response %+v", created)
	}

	download := server.request(t, http.MethodGet, created.DownloadURL, nil)
	if download.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", download.Code)
	}
	if got := download.Header().Get("Content-Type"); got != "application/zip" {
		t.Fatalf("expected zip content type, got %q", got)
	}

	missing := server.request(t, http.MethodGet, "/api/v1/exports/exp_missing/download", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown export, got %d", missing.Code)
	}
}

func TestBatchPatchNotes(t *testing.T) {
	server := newTestServer(t)

	var ids []int64
	for i := 0; i < 2; i++ {
		note, err := server.notes.CreateNote(context.Background(), notes.CreateNoteInput{
			SourceURL:   fmt.Sprintf("https://example.com/%d", i),
			ContentFull: "body",
		})
		if err != nil {
			t.Fatalf("unexpected create error: %v", err)
		}
		ids = append(ids, note.ID)
	}

	recorder := server.request(t, http.MethodPatch, "/api/v1/notes/batch", map[string]interface{}{
		"noteIds":  ids,
		"category": "정리함",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result struct {
		Updated int64 `json:"updated"`
	}
	decodeBody(t, recorder, &result)
	if result.Updated != 2 {
		t.Fatalf("expected 2 notes updated, got %d", result.Updated)
	}
}
