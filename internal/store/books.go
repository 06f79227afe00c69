package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"inkstone/internal/logging"
	"inkstone/internal/prompt"
)

// Book is one work in the archive. Titles are unique across the archive.
type Book struct {
	ID             int64
	Title          string
	Author         string
	SourceLanguage string
	TargetLanguage string
	Description    string
	PromptTemplate string
	CreatedAt      time.Time
	ModifiedAt     time.Time
}

const bookColumns = `id, title, author, source_language, target_language,
	description, prompt_template, created_at, modified_at`

func scanBook(row interface{ Scan(...any) error }, b *Book) error {
	return row.Scan(&b.ID, &b.Title, &b.Author, &b.SourceLanguage, &b.TargetLanguage,
		&b.Description, &b.PromptTemplate, &b.CreatedAt, &b.ModifiedAt)
}

// CreateBook inserts a book and returns its id. A duplicate title is an
// error.
func (s *Store) CreateBook(title, author, sourceLanguage, targetLanguage, description string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(title) == "" {
		return 0, fmt.Errorf("book title is required")
	}
	if sourceLanguage == "" {
		sourceLanguage = "zh"
	}
	if targetLanguage == "" {
		targetLanguage = "en"
	}

	res, err := s.db.Exec(`
		INSERT INTO books (title, author, source_language, target_language, description)
		VALUES (?, ?, ?, ?, ?)`,
		title, author, sourceLanguage, targetLanguage, description)
	if err != nil {
		return 0, fmt.Errorf("failed to create book %q: %w", title, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.Store("created book %d %q", id, title)
	return id, nil
}

// GetBook fetches a book by id.
func (s *Store) GetBook(id int64) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b Book
	err := scanBook(s.db.QueryRow(`SELECT `+bookColumns+` FROM books WHERE id = ?`, id), &b)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book %d: %w", id, err)
	}
	return &b, nil
}

// ListBooks returns all books in creation order.
func (s *Store) ListBooks() ([]Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + bookColumns + ` FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var out []Book
	for rows.Next() {
		var b Book
		if err := scanBook(rows, &b); err != nil {
			return nil, fmt.Errorf("failed to scan book row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RenameBook updates title and author.
func (s *Store) RenameBook(id int64, title, author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE books SET title = ?, author = ?, modified_at = CURRENT_TIMESTAMP
		WHERE id = ?`, title, author, id)
	if err != nil {
		return fmt.Errorf("failed to rename book %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetPromptTemplate installs a book-specific prompt template. A non-empty
// template must contain the entities placeholder; an empty string reverts the
// book to the built-in template.
func (s *Store) SetPromptTemplate(id int64, template string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if template != "" && !strings.Contains(template, prompt.EntitiesPlaceholder) {
		return fmt.Errorf("prompt template must contain %s", prompt.EntitiesPlaceholder)
	}

	res, err := s.db.Exec(`
		UPDATE books SET prompt_template = ?, modified_at = CURRENT_TIMESTAMP
		WHERE id = ?`, template, id)
	if err != nil {
		return fmt.Errorf("failed to set prompt template for book %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	logging.Store("set prompt template for book %d (%d bytes)", id, len(template))
	return nil
}

// DeleteBook removes a book; chapters, scoped entities and queue items
// cascade.
func (s *Store) DeleteBook(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete book %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	logging.Store("deleted book %d", id)
	return nil
}
