package store

import (
	"database/sql"
	"errors"
	"fmt"

	"inkstone/internal/glossary"
	"inkstone/internal/logging"
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("store: not found")

// EntityRecord is one glossary row. BookID 0 means the global scope shared by
// all books.
type EntityRecord struct {
	ID           int64
	BookID       int64
	Category     glossary.Category
	Untranslated string
	glossary.Entity
}

// ConflictCategoryError reports a cross-category identity violation: the
// untranslated key already exists in the same scope under another category.
type ConflictCategoryError struct {
	Untranslated     string
	Category         glossary.Category
	ExistingCategory glossary.Category
}

func (e *ConflictCategoryError) Error() string {
	return fmt.Sprintf("entity %q cannot be added to %s: already exists in %s",
		e.Untranslated, e.Category, e.ExistingCategory)
}

// AddEntity inserts a new entity, enforcing cross-category uniqueness within
// the scope. An exact duplicate (same category and key) is also an error; use
// UpsertEntities for merge semantics.
func (s *Store) AddEntity(rec *EntityRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Untranslated = glossary.NFC(rec.Untranslated)

	var id int64
	err := s.inTx(func(tx *sql.Tx) error {
		var err error
		id, err = insertEntityTx(tx, rec, false)
		return err
	})
	if err != nil {
		return 0, err
	}

	logging.Store("added entity %q (%s) scope=%d", rec.Untranslated, rec.Category, rec.BookID)
	rec.ID = id
	return id, nil
}

// insertEntityTx inserts one entity row. allowCrossCategory skips the
// identity check; only the audit's explicit allow decision sets it.
func insertEntityTx(tx *sql.Tx, rec *EntityRecord, allowCrossCategory bool) (int64, error) {
	if !allowCrossCategory {
		if existing, err := scopeCategoryOf(tx, rec.BookID, rec.Untranslated); err != nil {
			return 0, err
		} else if existing != "" && existing != rec.Category {
			return 0, &ConflictCategoryError{
				Untranslated:     rec.Untranslated,
				Category:         rec.Category,
				ExistingCategory: existing,
			}
		}
	}

	res, err := tx.Exec(`
		INSERT INTO entities (book_id, category, untranslated, translation, gender, last_chapter, incorrect_translation)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		scopeArg(rec.BookID), rec.Category, rec.Untranslated,
		rec.Translation, rec.Gender, rec.LastChapter, rec.IncorrectTranslation)
	if err != nil {
		return 0, fmt.Errorf("failed to insert entity %q: %w", rec.Untranslated, err)
	}
	return res.LastInsertId()
}

// scopeCategoryOf returns the category the key is filed under within the
// scope, or "" when absent.
func scopeCategoryOf(tx *sql.Tx, bookID int64, key string) (glossary.Category, error) {
	var cat glossary.Category
	err := tx.QueryRow(`
		SELECT category FROM entities
		WHERE untranslated = ? AND IFNULL(book_id, 0) = ?`,
		key, bookID).Scan(&cat)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check entity identity: %w", err)
	}
	return cat, nil
}

// UpsertEntities folds a merged chapter glossary into the scope. Existing
// rows (same category and key) are updated in place; keys present in the
// scope under another category are skipped with a warning, matching the merge
// rules applied during translation. LastChapter never moves backwards.
func (s *Store) UpsertEntities(bookID int64, entities glossary.EntityMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		for _, cat := range glossary.Categories {
			for key, ent := range entities[cat] {
				key = glossary.NFC(key)

				existing, err := scopeCategoryOf(tx, bookID, key)
				if err != nil {
					return err
				}
				switch existing {
				case "":
					_, err = tx.Exec(`
						INSERT INTO entities (book_id, category, untranslated, translation, gender, last_chapter, incorrect_translation)
						VALUES (?, ?, ?, ?, ?, ?, ?)`,
						scopeArg(bookID), cat, key,
						ent.Translation, ent.Gender, ent.LastChapter, ent.IncorrectTranslation)
				case cat:
					_, err = tx.Exec(`
						UPDATE entities
						SET translation = ?, gender = ?, last_chapter = MAX(last_chapter, ?),
						    incorrect_translation = ?, updated_at = CURRENT_TIMESTAMP
						WHERE category = ? AND untranslated = ? AND IFNULL(book_id, 0) = ?`,
						ent.Translation, ent.Gender, ent.LastChapter, ent.IncorrectTranslation,
						cat, key, bookID)
				default:
					logging.StoreWarn("skipping upsert of %q as %s: filed under %s in scope %d",
						key, cat, existing, bookID)
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to upsert entity %q: %w", key, err)
				}
			}
		}
		return nil
	})
}

// UpdateEntity rewrites the mutable fields of an entity identified by scope,
// category and key.
func (s *Store) UpdateEntity(bookID int64, category glossary.Category, key string, ent glossary.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = glossary.NFC(key)
	res, err := s.db.Exec(`
		UPDATE entities
		SET translation = ?, gender = ?, last_chapter = ?, incorrect_translation = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE category = ? AND untranslated = ? AND IFNULL(book_id, 0) = ?`,
		ent.Translation, ent.Gender, ent.LastChapter, ent.IncorrectTranslation,
		category, key, bookID)
	if err != nil {
		return fmt.Errorf("failed to update entity %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %q (%s): %w", key, category, ErrNotFound)
	}
	return nil
}

// DeleteEntity removes an entity. Deleting a missing entity is a no-op.
func (s *Store) DeleteEntity(bookID int64, category glossary.Category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM entities
		WHERE category = ? AND untranslated = ? AND IFNULL(book_id, 0) = ?`,
		category, glossary.NFC(key), bookID)
	if err != nil {
		return fmt.Errorf("failed to delete entity %q: %w", key, err)
	}
	return nil
}

// MoveCategory refiles an entity under a new category within its scope. The
// move fails if the target identity is already taken.
func (s *Store) MoveCategory(bookID int64, key string, from, to glossary.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = glossary.NFC(key)
	return s.inTx(func(tx *sql.Tx) error {
		var taken int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM entities
			WHERE category = ? AND untranslated = ? AND IFNULL(book_id, 0) = ?`,
			to, key, bookID).Scan(&taken)
		if err != nil {
			return fmt.Errorf("failed to check move target: %w", err)
		}
		if taken > 0 {
			return &ConflictCategoryError{Untranslated: key, Category: to, ExistingCategory: to}
		}

		res, err := tx.Exec(`
			UPDATE entities SET category = ?, updated_at = CURRENT_TIMESTAMP
			WHERE category = ? AND untranslated = ? AND IFNULL(book_id, 0) = ?`,
			to, from, key, bookID)
		if err != nil {
			return fmt.Errorf("failed to move entity %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("entity %q (%s): %w", key, from, ErrNotFound)
		}
		logging.Store("moved entity %q from %s to %s scope=%d", key, from, to, bookID)
		return nil
	})
}

// GetEntity fetches one entity by scope, category and key.
func (s *Store) GetEntity(bookID int64, category glossary.Category, key string) (*EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := EntityRecord{BookID: bookID, Category: category}
	err := s.db.QueryRow(`
		SELECT id, untranslated, translation, gender, last_chapter, incorrect_translation
		FROM entities
		WHERE category = ? AND untranslated = ? AND IFNULL(book_id, 0) = ?`,
		category, glossary.NFC(key), bookID).
		Scan(&rec.ID, &rec.Untranslated, &rec.Translation, &rec.Gender,
			&rec.LastChapter, &rec.IncorrectTranslation)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %q (%s): %w", key, category, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %q: %w", key, err)
	}
	return &rec, nil
}

// FindByTranslation returns every entity in the scope whose English
// translation matches exactly.
func (s *Store) FindByTranslation(bookID int64, translation string) ([]EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, IFNULL(book_id, 0), category, untranslated, translation, gender, last_chapter, incorrect_translation
		FROM entities
		WHERE translation = ? AND IFNULL(book_id, 0) = ?
		ORDER BY category, untranslated`,
		translation, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to search by translation: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ListEntities returns the scope's entities, optionally filtered to one
// category (empty category means all), in (category, key) order.
func (s *Store) ListEntities(bookID int64, category glossary.Category) ([]EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, IFNULL(book_id, 0), category, untranslated, translation, gender, last_chapter, incorrect_translation
		FROM entities WHERE IFNULL(book_id, 0) = ?`
	args := []any{bookID}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY category, untranslated"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// Entities loads the scope's full glossary as an EntityMap. All categories
// are present even when empty.
func (s *Store) Entities(bookID int64) (glossary.EntityMap, error) {
	recs, err := s.ListEntities(bookID, "")
	if err != nil {
		return nil, err
	}
	m := glossary.NewEntityMap()
	for _, rec := range recs {
		m[rec.Category][rec.Untranslated] = rec.Entity
	}
	return m, nil
}

// CountEntities returns the number of entities in the scope.
func (s *Store) CountEntities(bookID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM entities WHERE IFNULL(book_id, 0) = ?`, bookID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

func scanEntities(rows *sql.Rows) ([]EntityRecord, error) {
	var out []EntityRecord
	for rows.Next() {
		var rec EntityRecord
		if err := rows.Scan(&rec.ID, &rec.BookID, &rec.Category, &rec.Untranslated,
			&rec.Translation, &rec.Gender, &rec.LastChapter, &rec.IncorrectTranslation); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
