package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"inkstone/internal/logging"
)

// Chapter is one chapter of a book. Source and Translation hold the text as
// ordered lines; persistence encodes them as JSON arrays.
type Chapter struct {
	ID               int64
	BookID           int64
	Number           int
	Title            string
	Source           []string
	Translation      []string
	Summary          string
	TranslationDate  time.Time // zero until translated
	TranslationModel string
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// ChapterInfo is the listing view of a chapter.
type ChapterInfo struct {
	Number     int
	Title      string
	Translated bool
	ModifiedAt time.Time
}

// encodeLines stores a line slice as a JSON array.
func encodeLines(lines []string) (string, error) {
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("failed to encode lines: %w", err)
	}
	return string(data), nil
}

// decodeLines reads a stored text column back into lines. Rows written by
// earlier versions stored raw newline-joined text; that form is split rather
// than rejected.
func decodeLines(raw string) []string {
	if raw == "" {
		return nil
	}
	var lines []string
	if err := json.Unmarshal([]byte(raw), &lines); err == nil {
		return lines
	}
	return strings.Split(raw, "\n")
}

// SaveChapterSource upserts a chapter's source text. An existing chapter
// keeps its translation; only source, title and modified_at change.
func (s *Store) SaveChapterSource(bookID int64, number int, title string, source []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := encodeLines(source)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO chapters (book_id, number, title, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(book_id, number) DO UPDATE SET
			title = excluded.title,
			source = excluded.source,
			modified_at = CURRENT_TIMESTAMP`,
		bookID, number, title, encoded)
	if err != nil {
		return fmt.Errorf("failed to save chapter %d of book %d: %w", number, bookID, err)
	}
	logging.Store("saved source for chapter %d of book %d (%d lines)", number, bookID, len(source))
	return nil
}

// SaveTranslation stores a completed translation for an existing chapter,
// recording when it was translated and by which model, and bumps
// modified_at.
func (s *Store) SaveTranslation(bookID int64, number int, translation []string, summary, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := encodeLines(translation)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE chapters
		SET translation = ?, summary = ?, translation_date = CURRENT_TIMESTAMP,
		    translation_model = ?, modified_at = CURRENT_TIMESTAMP
		WHERE book_id = ? AND number = ?`,
		encoded, summary, model, bookID, number)
	if err != nil {
		return fmt.Errorf("failed to save translation for chapter %d of book %d: %w", number, bookID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chapter %d of book %d: %w", number, bookID, ErrNotFound)
	}
	logging.Store("saved translation for chapter %d of book %d (%d lines)", number, bookID, len(translation))
	return nil
}

// ReplaceTranslation overwrites a chapter's translated lines without touching
// the summary. Glossary rewrites use this after correcting a translation
// across stored chapters.
func (s *Store) ReplaceTranslation(bookID int64, number int, translation []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := encodeLines(translation)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE chapters SET translation = ?, modified_at = CURRENT_TIMESTAMP
		WHERE book_id = ? AND number = ?`,
		encoded, bookID, number)
	if err != nil {
		return fmt.Errorf("failed to replace translation for chapter %d of book %d: %w", number, bookID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chapter %d of book %d: %w", number, bookID, ErrNotFound)
	}
	return nil
}

// GetChapter fetches one chapter with full text.
func (s *Store) GetChapter(bookID int64, number int) (*Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		ch              Chapter
		source          string
		translation     sql.NullString
		translationDate sql.NullTime
	)
	err := s.db.QueryRow(`
		SELECT id, book_id, number, title, source, translation, summary,
		       translation_date, translation_model, created_at, modified_at
		FROM chapters WHERE book_id = ? AND number = ?`,
		bookID, number).
		Scan(&ch.ID, &ch.BookID, &ch.Number, &ch.Title, &source, &translation,
			&ch.Summary, &translationDate, &ch.TranslationModel, &ch.CreatedAt, &ch.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chapter %d of book %d: %w", number, bookID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter %d of book %d: %w", number, bookID, err)
	}

	ch.Source = decodeLines(source)
	if translation.Valid {
		ch.Translation = decodeLines(translation.String)
	}
	if translationDate.Valid {
		ch.TranslationDate = translationDate.Time
	}
	return &ch, nil
}

// ListChapters returns the book's chapters in reading order.
func (s *Store) ListChapters(bookID int64) ([]ChapterInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT number, title, translation IS NOT NULL, modified_at
		FROM chapters WHERE book_id = ? ORDER BY number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters of book %d: %w", bookID, err)
	}
	defer rows.Close()

	var out []ChapterInfo
	for rows.Next() {
		var info ChapterInfo
		if err := rows.Scan(&info.Number, &info.Title, &info.Translated, &info.ModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chapter row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// TranslatedChapters returns the numbers of chapters that have a stored
// translation, in order. Glossary-wide rewrites iterate these.
func (s *Store) TranslatedChapters(bookID int64) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT number FROM chapters
		WHERE book_id = ? AND translation IS NOT NULL ORDER BY number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list translated chapters of book %d: %w", bookID, err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteChapter removes one chapter.
func (s *Store) DeleteChapter(bookID int64, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM chapters WHERE book_id = ? AND number = ?`, bookID, number)
	if err != nil {
		return fmt.Errorf("failed to delete chapter %d of book %d: %w", number, bookID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chapter %d of book %d: %w", number, bookID, ErrNotFound)
	}
	return nil
}
