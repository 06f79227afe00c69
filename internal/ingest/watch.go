package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"inkstone/internal/logging"
	"inkstone/internal/store"
)

// debounceDelay waits for a file to stop changing before ingesting it;
// downloads and editor saves arrive as bursts of write events.
const debounceDelay = 2 * time.Second

// Watcher ingests chapter files dropped into a directory as they appear and
// enqueues them for translation.
type Watcher struct {
	store  *store.Store
	bookID int64
	dir    string

	// OnIngest, when set, observes every ingested chapter number.
	OnIngest func(chapter int)

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher builds a watcher for one book and directory.
func NewWatcher(s *store.Store, bookID int64, dir string) *Watcher {
	return &Watcher{
		store:   s,
		bookID:  bookID,
		dir:     dir,
		pending: make(map[string]*time.Timer),
	}
}

// Run watches the directory until the context is canceled. Existing files
// are not ingested; use Directory for backfill.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	logging.Ingest("watching %s for book %d", w.dir, w.bookID)

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".txt") {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.IngestError("watch error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer for a path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(path)
	})
}

func (w *Watcher) ingest(path string) {
	chapter, err := IngestFile(w.store, w.bookID, path, true)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateQueued) {
			logging.Ingest("chapter %d from %s already queued", chapter, path)
			return
		}
		logging.IngestError("failed to ingest %s: %v", path, err)
		return
	}
	if w.OnIngest != nil {
		w.OnIngest(chapter)
	}
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}
