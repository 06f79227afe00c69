package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"inkstone/internal/provider"
	"inkstone/internal/store"
	"inkstone/internal/translator"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (via google.golang.org/genai) starts a global stats
	// worker goroutine in init that can never be stopped.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// queueClient returns the same canned chapter response for every call, or an
// error after failAfter successful calls.
type queueClient struct {
	calls     int
	failAfter int // -1 never fails
}

func (c *queueClient) Name() string              { return "stub" }
func (c *queueClient) Model() string             { return "stub-1" }
func (c *queueClient) MaxChars() int             { return 5000 }
func (c *queueClient) MaxOutputTokens() int      { return 8192 }
func (c *queueClient) EnforcesSchema() bool      { return false }
func (c *queueClient) LastUsage() provider.Usage { return provider.Usage{} }

const cannedResponse = `{
	"chapter": 1, "title": "Chapter", "content": ["Translated line."],
	"summary": "Summary.",
	"entities": {"characters": {}, "places": {}, "organizations": {}, "abilities": {}, "titles": {}, "equipment": {}, "creatures": {}}
}`

func (c *queueClient) Chat(context.Context, *provider.Request) (*provider.Response, error) {
	return &provider.Response{Content: cannedResponse}, nil
}

func (c *queueClient) ChatStream(context.Context, *provider.Request) (<-chan provider.StreamChunk, <-chan error) {
	chunks := make(chan provider.StreamChunk, 2)
	errs := make(chan error, 1)
	c.calls++
	if c.failAfter >= 0 && c.calls > c.failAfter {
		errs <- errors.New("provider exploded")
		close(chunks)
		close(errs)
		return chunks, errs
	}
	chunks <- provider.StreamChunk{Delta: cannedResponse}
	chunks <- provider.StreamChunk{Done: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

func setup(t *testing.T, failAfter int) (*store.Store, *Worker, int64) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)

	tr := translator.New(s, &queueClient{failAfter: failAfter}, nil, nil)
	return s, New(s, tr, 10*time.Millisecond), bookID
}

func TestWorkerDrainsQueue(t *testing.T) {
	s, w, bookID := setup(t, -1)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SaveChapterSource(bookID, i, "", []string{"原文。"}))
		_, err := s.Enqueue(bookID, i)
		require.NoError(t, err)
	}

	var committed []int
	w.OnOutcome = func(o *translator.Outcome) {
		committed = append(committed, o.Chapter)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		// Stop the worker once the queue is empty.
		for {
			if n, _ := s.QueueLen(); n == 0 {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, []int{1, 2, 3}, committed)

	// Every chapter got its translation committed.
	for i := 1; i <= 3; i++ {
		ch, err := s.GetChapter(bookID, i)
		require.NoError(t, err)
		assert.Equal(t, []string{"Translated line."}, ch.Translation)
	}

	err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func TestWorkerHaltsOnFailureAndKeepsItem(t *testing.T) {
	s, w, bookID := setup(t, 1)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.SaveChapterSource(bookID, i, "", []string{"原文。"}))
		_, err := s.Enqueue(bookID, i)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "halting worker")

	// Chapter 1 succeeded and left the queue; chapter 2 failed, stayed, and
	// moved up to the front.
	items, listErr := s.ListQueue()
	require.NoError(t, listErr)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Chapter)
	assert.Equal(t, 0, items[0].Position)

	// The failed chapter committed nothing.
	ch, err := s.GetChapter(bookID, 2)
	require.NoError(t, err)
	assert.Nil(t, ch.Translation)
}
