package notes

import (
	"strings"
	"unicode"

	"gorm.io/gorm"
)

// searchIndexStatements mirror the notes table into an external-content FTS5
// index. Triggers keep the index in step with every write path, including
// raw column updates that bypass gorm hooks. Statements run one at a time;
// the trigger bodies carry their own semicolons.
var searchIndexStatements = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
		ai_title,
		summary_short,
		summary_long,
		content_full,
		content='notes',
		content_rowid='id'
	)`,
	`CREATE TRIGGER IF NOT EXISTS notes_fts_ai AFTER INSERT ON notes BEGIN
		INSERT INTO notes_fts(rowid, ai_title, summary_short, summary_long, content_full)
		VALUES (new.id, new.ai_title, new.summary_short, new.summary_long, new.content_full);
	END`,
	`CREATE TRIGGER IF NOT EXISTS notes_fts_au AFTER UPDATE ON notes BEGIN
		INSERT INTO notes_fts(notes_fts, rowid, ai_title, summary_short, summary_long, content_full)
		VALUES ('delete', old.id, old.ai_title, old.summary_short, old.summary_long, old.content_full);
		INSERT INTO notes_fts(rowid, ai_title, summary_short, summary_long, content_full)
		VALUES (new.id, new.ai_title, new.summary_short, new.summary_long, new.content_full);
	END`,
	`CREATE TRIGGER IF NOT EXISTS notes_fts_ad AFTER DELETE ON notes BEGIN
		INSERT INTO notes_fts(notes_fts, rowid, ai_title, summary_short, summary_long, content_full)
		VALUES ('delete', old.id, old.ai_title, old.summary_short, old.summary_long, old.content_full);
	END`,
}

// EnsureSearchIndex creates the full-text index and its sync triggers. Safe
// to call on a database that already has them.
func EnsureSearchIndex(db *gorm.DB) error {
	for _, statement := range searchIndexStatements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

// RebuildSearchIndex reindexes every existing notes row. Required once when
// the index is introduced on a populated database: the external-content
// 'delete' commands the update trigger issues only balance for rows the
// index has actually seen.
func RebuildSearchIndex(db *gorm.DB) error {
	return db.Exec(`INSERT INTO notes_fts(notes_fts) VALUES('rebuild')`).Error
}

// matchExpression renders user input as an FTS5 MATCH expression. Every
// whitespace-separated term becomes a quoted phrase, so query text can never
// produce an FTS syntax error; phrases combine with the implicit AND. Terms
// the tokenizer would reduce to nothing (pure punctuation) are dropped.
func matchExpression(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		if !strings.ContainsFunc(term, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) {
			continue
		}
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
