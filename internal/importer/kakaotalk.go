// Package importer parses KakaoTalk "send to me" chat exports into notes and
// URL-list CSVs into ingestion batches.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Dripmaster/note-nomi/internal/notes"
)

const (
	memoTitleRuneLimit = 50
	// DefaultMemoCategory is the category imported memos land in.
	DefaultMemoCategory = "카카오톡 나에게보내기"
)

var memoDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// MemoRow is one parsed chat-export row.
type MemoRow struct {
	Date    time.Time
	User    string
	Message string
}

// ParseMemoCSV reads a KakaoTalk chat export (Date, User, Message columns,
// UTF-8 with optional BOM). Rows without a message are skipped; rows with an
// unparseable date fall back to now.
func ParseMemoCSV(r io.Reader, now func() time.Time) ([]MemoRow, error) {
	records, header, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	dateIndex := columnIndex(header, "Date")
	userIndex := columnIndex(header, "User")
	messageIndex := columnIndex(header, "Message")
	if messageIndex < 0 {
		return nil, fmt.Errorf("importer: missing Message column")
	}

	rows := make([]MemoRow, 0, len(records))
	for _, record := range records {
		message := strings.TrimSpace(field(record, messageIndex))
		if message == "" {
			continue
		}
		row := MemoRow{
			User:    strings.TrimSpace(field(record, userIndex)),
			Message: message,
		}
		if parsed, ok := parseMemoDate(field(record, dateIndex)); ok {
			row.Date = parsed
		} else {
			row.Date = now()
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// MemoToNote converts a parsed row into note input. The synthetic
// kakaotalk:// source URL doubles as the duplicate key when the same export
// is uploaded twice; the index disambiguates several memos in one second.
func MemoToNote(row MemoRow, index int, category string) notes.CreateNoteInput {
	if category == "" {
		category = DefaultMemoCategory
	}
	date := row.Date.UTC()
	createdAt := date

	title := firstLine(row.Message)
	if utf8.RuneCountInString(title) > memoTitleRuneLimit {
		runes := []rune(title)
		title = string(runes[:memoTitleRuneLimit]) + "…"
	}
	if title == "" {
		title = "(메모)"
	}

	return notes.CreateNoteInput{
		SourceURL:   fmt.Sprintf("kakaotalk://me/%s_%d", date.Format(time.RFC3339), index),
		ContentFull: row.Message,
		AITitle:     title,
		Category:    category,
		Status:      notes.NoteStatusDone,
		CreatedAt:   &createdAt,
	}
}

// ParseURLCSV extracts http(s) URLs from the first column of a CSV, skipping
// a header row and anything that is not a URL.
func ParseURLCSV(r io.Reader) ([]string, error) {
	records, header, err := readCSV(r)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(records)+1)
	appendURL := func(value string) {
		trimmed := strings.TrimSpace(value)
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			urls = append(urls, trimmed)
		}
	}

	// The header line may itself be a URL when the file has no header.
	if len(header) > 0 {
		appendURL(header[0])
	}
	for _, record := range records {
		if len(record) > 0 {
			appendURL(record[0])
		}
	}
	return urls, nil
}

func readCSV(r io.Reader) ([][]string, []string, error) {
	reader := csv.NewReader(&bomStrippingReader{inner: r})
	reader.FieldsPerRecord = -1

	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("importer: parse csv: %w", err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	header := make([]string, len(all[0]))
	for index, value := range all[0] {
		header[index] = strings.TrimSpace(value)
	}
	return all[1:], header, nil
}

func columnIndex(header []string, name string) int {
	for index, value := range header {
		if strings.EqualFold(value, name) {
			return index
		}
	}
	return -1
}

func field(record []string, index int) string {
	if index < 0 || index >= len(record) {
		return ""
	}
	return record[index]
}

func parseMemoDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range memoDateLayouts {
		if parsed, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func firstLine(text string) string {
	if index := strings.IndexByte(text, '\n'); index >= 0 {
		return strings.TrimSpace(text[:index])
	}
	return strings.TrimSpace(text)
}

// bomStrippingReader removes a leading UTF-8 BOM, which KakaoTalk exports
// carry.
type bomStrippingReader struct {
	inner    io.Reader
	consumed bool
}

func (b *bomStrippingReader) Read(p []byte) (int, error) {
	if !b.consumed {
		b.consumed = true
		head := make([]byte, 3)
		n, err := io.ReadFull(b.inner, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return 0, err
		}
		head = head[:n]
		if string(head) != "\uFEFF" {
			b.inner = io.MultiReader(strings.NewReader(string(head)), b.inner)
		}
	}
	return b.inner.Read(p)
}
