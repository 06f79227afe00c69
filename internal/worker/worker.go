// Package worker drains the translation queue: peek the head, translate,
// commit, remove, repeat. Chapters are strictly sequential because each one
// feeds the glossary the next one depends on.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inkstone/internal/logging"
	"inkstone/internal/store"
	"inkstone/internal/translator"
)

// DefaultPollInterval is how often an idle worker re-checks the queue.
const DefaultPollInterval = 15 * time.Second

// Worker drains the queue with one translator.
type Worker struct {
	store      *store.Store
	translator *translator.Translator
	poll       time.Duration

	// OnOutcome, when set, observes every committed chapter; the CLI uses
	// it to print summaries and surface conflicts.
	OnOutcome func(*translator.Outcome)
}

// New builds a worker. poll <= 0 selects the default interval.
func New(s *store.Store, tr *translator.Translator, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{store: s, translator: tr, poll: poll}
}

// Run processes queue items until the context is canceled or a translation
// fails. On failure the item stays at the head of the queue so the run can
// be resumed after the cause is fixed; a failed chapter commits nothing.
func (w *Worker) Run(ctx context.Context) error {
	logging.Queue("worker started (poll %v)", w.poll)
	for {
		item, err := w.store.Peek()
		if errors.Is(err, store.ErrQueueEmpty) {
			select {
			case <-ctx.Done():
				logging.Queue("worker stopped: %v", ctx.Err())
				return nil
			case <-time.After(w.poll):
				continue
			}
		}
		if err != nil {
			return err
		}

		if err := w.processItem(ctx, item); err != nil {
			if ctx.Err() != nil {
				logging.Queue("worker stopped mid-item: %v", ctx.Err())
				return nil
			}
			return fmt.Errorf("chapter %d of book %d failed, halting worker: %w",
				item.Chapter, item.BookID, err)
		}

		select {
		case <-ctx.Done():
			logging.Queue("worker stopped: %v", ctx.Err())
			return nil
		default:
		}
	}
}

// RunOnce processes at most one queue item. Returns store.ErrQueueEmpty when
// there was nothing to do.
func (w *Worker) RunOnce(ctx context.Context) error {
	item, err := w.store.Peek()
	if err != nil {
		return err
	}
	return w.processItem(ctx, item)
}

func (w *Worker) processItem(ctx context.Context, item *store.QueueItem) error {
	logging.Queue("processing chapter %d of book %d (position %d)",
		item.Chapter, item.BookID, item.Position)

	outcome, err := w.translator.TranslateChapter(ctx, item.BookID, item.Chapter)
	if err != nil {
		return err
	}
	if err := w.translator.Commit(outcome); err != nil {
		return err
	}
	if err := w.store.Remove(item.BookID, item.Chapter); err != nil {
		return err
	}

	if w.OnOutcome != nil {
		w.OnOutcome(outcome)
	}
	return nil
}
