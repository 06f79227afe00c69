package store

import (
	"database/sql"
	"fmt"

	"inkstone/internal/glossary"
	"inkstone/internal/logging"
)

// CrossCategoryGroup is one identity violation found by the audit: the same
// untranslated key filed under more than one category within a scope. These
// predate the identity index or were created by imports.
type CrossCategoryGroup struct {
	BookID       int64
	Untranslated string
	Records      []EntityRecord
}

// TranslationCollisionGroup is one naming collision: distinct untranslated
// keys sharing the same English translation within a scope. Collisions are
// legal but usually indicate the model invented a duplicate.
type TranslationCollisionGroup struct {
	BookID      int64
	Translation string
	Records     []EntityRecord
}

// AuditReport is the result of a database-wide glossary audit.
type AuditReport struct {
	CrossCategory []CrossCategoryGroup
	Collisions    []TranslationCollisionGroup
}

// Clean reports whether the audit found nothing.
func (r *AuditReport) Clean() bool {
	return len(r.CrossCategory) == 0 && len(r.Collisions) == 0
}

// Audit scans every scope for identity violations and translation
// collisions, in deterministic (scope, key) order.
func (s *Store) Audit() (*AuditReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := &AuditReport{}

	crossRows, err := s.db.Query(`
		SELECT IFNULL(book_id, 0) AS scope, untranslated
		FROM entities
		GROUP BY scope, untranslated
		HAVING COUNT(DISTINCT category) > 1
		ORDER BY scope, untranslated`)
	if err != nil {
		return nil, fmt.Errorf("failed to audit categories: %w", err)
	}
	type groupKey struct {
		scope int64
		key   string
	}
	var crossKeys []groupKey
	for crossRows.Next() {
		var k groupKey
		if err := crossRows.Scan(&k.scope, &k.key); err != nil {
			crossRows.Close()
			return nil, err
		}
		crossKeys = append(crossKeys, k)
	}
	crossRows.Close()
	if err := crossRows.Err(); err != nil {
		return nil, err
	}

	for _, k := range crossKeys {
		recs, err := s.entitiesWhere(`untranslated = ? AND IFNULL(book_id, 0) = ?`, k.key, k.scope)
		if err != nil {
			return nil, err
		}
		report.CrossCategory = append(report.CrossCategory, CrossCategoryGroup{
			BookID:       k.scope,
			Untranslated: k.key,
			Records:      recs,
		})
	}

	collisionRows, err := s.db.Query(`
		SELECT IFNULL(book_id, 0) AS scope, translation
		FROM entities
		WHERE translation != ''
		GROUP BY scope, translation
		HAVING COUNT(DISTINCT untranslated) > 1
		ORDER BY scope, translation`)
	if err != nil {
		return nil, fmt.Errorf("failed to audit translations: %w", err)
	}
	var collisionKeys []groupKey
	for collisionRows.Next() {
		var k groupKey
		if err := collisionRows.Scan(&k.scope, &k.key); err != nil {
			collisionRows.Close()
			return nil, err
		}
		collisionKeys = append(collisionKeys, k)
	}
	collisionRows.Close()
	if err := collisionRows.Err(); err != nil {
		return nil, err
	}

	for _, k := range collisionKeys {
		recs, err := s.entitiesWhere(`translation = ? AND IFNULL(book_id, 0) = ?`, k.key, k.scope)
		if err != nil {
			return nil, err
		}
		report.Collisions = append(report.Collisions, TranslationCollisionGroup{
			BookID:      k.scope,
			Translation: k.key,
			Records:     recs,
		})
	}

	logging.Store("audit: %d cross-category groups, %d translation collisions",
		len(report.CrossCategory), len(report.Collisions))
	return report, nil
}

func (s *Store) entitiesWhere(where string, args ...any) ([]EntityRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, IFNULL(book_id, 0), category, untranslated, translation, gender, last_chapter, incorrect_translation
		FROM entities WHERE `+where+` ORDER BY category, untranslated`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// DecisionAction is the operator's choice for one audit or post-chapter
// conflict.
type DecisionAction string

const (
	// DecisionKeep keeps the row in the named category and deletes the
	// same key's rows in every other category of the scope.
	DecisionKeep DecisionAction = "keep"
	// DecisionMove refiles the key into the named category.
	DecisionMove DecisionAction = "move"
	// DecisionAllow accepts a cross-category duplicate as intentional and
	// files the key under the named category as well, the one write that
	// bypasses the identity rule. For a translation collision it changes
	// nothing.
	DecisionAllow DecisionAction = "allow"
	// DecisionEdit replaces the translation of the key in the named
	// category.
	DecisionEdit DecisionAction = "edit"
	// DecisionDelete removes the key from the scope entirely.
	DecisionDelete DecisionAction = "delete"
)

// Decision resolves one conflicted key within a scope.
type Decision struct {
	BookID       int64
	Untranslated string
	Action       DecisionAction
	Category     glossary.Category // target for keep/move/edit
	Translation  string            // replacement for edit
}

// ApplyDecision executes one decision atomically.
func (s *Store) ApplyDecision(d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := glossary.NFC(d.Untranslated)
	return s.inTx(func(tx *sql.Tx) error {
		switch d.Action {
		case DecisionKeep:
			if _, err := tx.Exec(`
				DELETE FROM entities
				WHERE untranslated = ? AND IFNULL(book_id, 0) = ? AND category != ?`,
				key, d.BookID, d.Category); err != nil {
				return fmt.Errorf("failed to apply keep for %q: %w", key, err)
			}

		case DecisionMove:
			if _, err := tx.Exec(`
				DELETE FROM entities
				WHERE untranslated = ? AND IFNULL(book_id, 0) = ? AND category = ?`,
				key, d.BookID, d.Category); err != nil {
				return fmt.Errorf("failed to clear move target for %q: %w", key, err)
			}
			res, err := tx.Exec(`
				UPDATE entities SET category = ?, updated_at = CURRENT_TIMESTAMP
				WHERE untranslated = ? AND IFNULL(book_id, 0) = ?`,
				d.Category, key, d.BookID)
			if err != nil {
				return fmt.Errorf("failed to apply move for %q: %w", key, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("entity %q: %w", key, ErrNotFound)
			}

		case DecisionAllow:
			// No target category means a translation collision was
			// acknowledged; the rows stay as they are.
			if d.Category == "" {
				break
			}
			var taken int
			if err := tx.QueryRow(`
				SELECT COUNT(*) FROM entities
				WHERE category = ? AND untranslated = ? AND IFNULL(book_id, 0) = ?`,
				d.Category, key, d.BookID).Scan(&taken); err != nil {
				return fmt.Errorf("failed to check allow target for %q: %w", key, err)
			}
			if taken > 0 {
				break
			}
			translation := d.Translation
			if translation == "" {
				// Default to the translation the key already carries in
				// the scope.
				if err := tx.QueryRow(`
					SELECT translation FROM entities
					WHERE untranslated = ? AND IFNULL(book_id, 0) = ? LIMIT 1`,
					key, d.BookID).Scan(&translation); err != nil && err != sql.ErrNoRows {
					return fmt.Errorf("failed to read translation for %q: %w", key, err)
				}
			}
			if _, err := insertEntityTx(tx, &EntityRecord{
				BookID:       d.BookID,
				Category:     d.Category,
				Untranslated: key,
				Entity:       glossary.Entity{Translation: translation},
			}, true); err != nil {
				return fmt.Errorf("failed to apply allow for %q: %w", key, err)
			}

		case DecisionEdit:
			res, err := tx.Exec(`
				UPDATE entities SET translation = ?, updated_at = CURRENT_TIMESTAMP
				WHERE untranslated = ? AND IFNULL(book_id, 0) = ? AND category = ?`,
				d.Translation, key, d.BookID, d.Category)
			if err != nil {
				return fmt.Errorf("failed to apply edit for %q: %w", key, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("entity %q (%s): %w", key, d.Category, ErrNotFound)
			}

		case DecisionDelete:
			if _, err := tx.Exec(`
				DELETE FROM entities WHERE untranslated = ? AND IFNULL(book_id, 0) = ?`,
				key, d.BookID); err != nil {
				return fmt.Errorf("failed to apply delete for %q: %w", key, err)
			}

		default:
			return fmt.Errorf("unknown decision action %q", d.Action)
		}

		logging.Store("applied decision %s for %q scope=%d", d.Action, key, d.BookID)
		return nil
	})
}
