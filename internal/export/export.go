// Package export renders note bundles for external study tools and keeps
// finished archives in an in-memory registry until they expire.
package export

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dripmaster/note-nomi/internal/notes"
)

// Format selects the bundle file flavor.
type Format string

const (
	FormatMarkdownZip Format = "markdown_zip"
	FormatTextZip     Format = "text_zip"
)

// Include toggles which note sections the rendered files carry. A missing
// key means included.
type Include map[string]bool

func (i Include) wants(key string) bool {
	if i == nil {
		return true
	}
	value, present := i[key]
	if !present {
		return true
	}
	return value
}

// RenderNote produces one export file body for a note.
func RenderNote(note *notes.Note, include Include, format Format) string {
	markdown := format != FormatTextZip
	var lines []string

	add := func(label, value string) {
		if value == "" {
			return
		}
		if markdown {
			lines = append(lines, fmt.Sprintf("## %s\n%s\n", label, value))
		} else {
			lines = append(lines, fmt.Sprintf("[%s]\n%s\n", label, value))
		}
	}

	if include.wants("sourceUrl") {
		add("Source URL", note.SourceURL)
	}
	if include.wants("aiTitle") {
		add("AI Title", note.AITitle)
	}
	if include.wants("summaryShort") {
		add("Summary Short", note.SummaryShort)
	}
	if include.wants("summaryLong") {
		add("Summary Long", note.SummaryLong)
	}
	if include.wants("tags") {
		names := make([]string, 0, len(note.Tags))
		for _, tag := range note.Tags {
			names = append(names, tag.Name)
		}
		add("Tags", strings.Join(names, ", "))
	}
	if include.wants("contentFull") {
		add("Content Full", note.ContentFull)
	}

	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

// BuildArchive renders each note into its own file inside a zip.
func BuildArchive(noteList []notes.Note, include Include, format Format) ([]byte, error) {
	extension := "md"
	if format == FormatTextZip {
		extension = "txt"
	}

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for index := range noteList {
		note := &noteList[index]
		entry, err := writer.Create(fmt.Sprintf("note-%d.%s", note.ID, extension))
		if err != nil {
			return nil, fmt.Errorf("export: create entry: %w", err)
		}
		if _, err := entry.Write([]byte(RenderNote(note, include, format))); err != nil {
			return nil, fmt.Errorf("export: write entry: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("export: finalize archive: %w", err)
	}
	return buffer.Bytes(), nil
}

type registryEntry struct {
	data      []byte
	expiresAt time.Time
}

// Registry holds finished archives keyed by export id until they expire.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
	ttl     time.Duration
	clock   func() time.Time
}

// NewRegistry builds a registry with the given archive lifetime.
func NewRegistry(ttl time.Duration, clock func() time.Time) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		entries: map[string]registryEntry{},
		ttl:     ttl,
		clock:   clock,
	}
}

// Put stores an archive and returns its export id and expiry time.
func (r *Registry) Put(data []byte) (string, time.Time, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("export: id generation: %w", err)
	}
	exportID := "exp_" + id.String()
	expiresAt := r.clock().Add(r.ttl)

	r.mu.Lock()
	r.prune()
	r.entries[exportID] = registryEntry{data: data, expiresAt: expiresAt}
	r.mu.Unlock()

	return exportID, expiresAt, nil
}

// Get returns a stored archive when it exists and has not expired.
func (r *Registry) Get(exportID string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	entry, present := r.entries[exportID]
	if !present {
		return nil, false
	}
	return entry.data, true
}

// prune drops expired entries; callers hold the lock.
func (r *Registry) prune() {
	now := r.clock()
	for id, entry := range r.entries {
		if now.After(entry.expiresAt) {
			delete(r.entries, id)
		}
	}
}
