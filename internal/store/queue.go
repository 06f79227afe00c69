package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"inkstone/internal/logging"
)

// Queue sentinel errors.
var (
	ErrQueueEmpty       = errors.New("store: queue is empty")
	ErrDuplicateQueued  = errors.New("store: chapter is already queued")
	ErrChapterNotQueued = errors.New("store: chapter is not queued")
)

// QueueItem is one pending translation job. Positions are 0-based and
// contiguous: removing an item renumbers everything behind it. Title is a
// snapshot of the chapter title taken at enqueue time; the row also carries
// a content snapshot so the queue is inspectable on its own.
type QueueItem struct {
	ID         int64
	BookID     int64
	Chapter    int
	Title      string
	Position   int
	EnqueuedAt time.Time
}

// Enqueue appends a chapter to the back of the queue. The chapter's title
// and source are snapshotted from the archive when the chapter is already
// stored. A chapter already queued for the same book is rejected.
func (s *Store) Enqueue(bookID int64, chapter int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var position int
	err := s.inTx(func(tx *sql.Tx) error {
		var dup int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM queue WHERE book_id = ? AND chapter = ?`,
			bookID, chapter).Scan(&dup); err != nil {
			return fmt.Errorf("failed to check queue for duplicates: %w", err)
		}
		if dup > 0 {
			return fmt.Errorf("chapter %d of book %d: %w", chapter, bookID, ErrDuplicateQueued)
		}

		var title, content string
		err := tx.QueryRow(`SELECT title, source FROM chapters WHERE book_id = ? AND number = ?`,
			bookID, chapter).Scan(&title, &content)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to snapshot chapter for queue: %w", err)
		}

		if err := tx.QueryRow(`SELECT IFNULL(MAX(position) + 1, 0) FROM queue`).Scan(&position); err != nil {
			return fmt.Errorf("failed to compute queue position: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO queue (book_id, chapter, title, content, position)
			VALUES (?, ?, ?, ?, ?)`,
			bookID, chapter, title, content, position); err != nil {
			return fmt.Errorf("failed to enqueue chapter %d of book %d: %w", chapter, bookID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logging.Queue("enqueued chapter %d of book %d at position %d", chapter, bookID, position)
	return position, nil
}

// Peek returns the head of the queue without removing it.
func (s *Store) Peek() (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var item QueueItem
	err := s.db.QueryRow(`
		SELECT id, book_id, chapter, title, position, enqueued_at
		FROM queue ORDER BY position LIMIT 1`).
		Scan(&item.ID, &item.BookID, &item.Chapter, &item.Title, &item.Position, &item.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue: %w", err)
	}
	return &item, nil
}

// Remove deletes a queued chapter and renumbers the survivors so positions
// stay contiguous from 0.
func (s *Store) Remove(bookID int64, chapter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		var position int
		err := tx.QueryRow(`SELECT position FROM queue WHERE book_id = ? AND chapter = ?`,
			bookID, chapter).Scan(&position)
		if err == sql.ErrNoRows {
			return fmt.Errorf("chapter %d of book %d: %w", chapter, bookID, ErrChapterNotQueued)
		}
		if err != nil {
			return fmt.Errorf("failed to locate queued chapter: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM queue WHERE book_id = ? AND chapter = ?`,
			bookID, chapter); err != nil {
			return fmt.Errorf("failed to remove queued chapter: %w", err)
		}
		if err := renumberQueue(tx); err != nil {
			return err
		}
		logging.Queue("removed chapter %d of book %d from position %d", chapter, bookID, position)
		return nil
	})
}

// Clear empties the queue for one book, or the whole queue when bookID is 0.
// Remaining items are renumbered from 0.
func (s *Store) Clear(bookID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	err := s.inTx(func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if bookID == 0 {
			res, err = tx.Exec(`DELETE FROM queue`)
		} else {
			res, err = tx.Exec(`DELETE FROM queue WHERE book_id = ?`, bookID)
		}
		if err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return renumberQueue(tx)
	})
	if err != nil {
		return 0, err
	}

	logging.Queue("cleared %d queue items (book=%d)", removed, bookID)
	return removed, nil
}

// renumberQueue compacts positions to 0..n-1 in their current order. The
// detour through the negative range keeps the unique position index happy
// while rows shift.
func renumberQueue(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id FROM queue ORDER BY position`)
	if err != nil {
		return fmt.Errorf("failed to read queue for compaction: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE queue SET position = ? WHERE id = ?`, -(i + 1), id); err != nil {
			return fmt.Errorf("failed to compact queue positions: %w", err)
		}
	}
	for i, id := range ids {
		if _, err := tx.Exec(`UPDATE queue SET position = ? WHERE id = ?`, i, id); err != nil {
			return fmt.Errorf("failed to compact queue positions: %w", err)
		}
	}
	return nil
}

// ListQueue returns all queued items in position order.
func (s *Store) ListQueue() ([]QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, book_id, chapter, title, position, enqueued_at
		FROM queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ID, &item.BookID, &item.Chapter, &item.Title, &item.Position, &item.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// QueueLen returns the number of queued items.
func (s *Store) QueueLen() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// DetectLegacyQueueFile reports whether a pre-database queue.json file exists
// at path. Legacy queues are not imported; the caller should warn the user to
// re-enqueue.
func DetectLegacyQueueFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
