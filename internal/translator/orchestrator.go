package translator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inkstone/internal/glossary"
	"inkstone/internal/logging"
	"inkstone/internal/prompt"
	"inkstone/internal/provider"
	"inkstone/internal/store"
)

// ProgressEvent reports pipeline progress to the UI. Delta carries streamed
// text; the other fields describe where in the chapter the run is.
type ProgressEvent struct {
	Chunk       int
	TotalChunks int
	Delta       string
	Done        bool
}

// Outcome is the result of translating one chapter, held in memory until the
// caller commits it. NewEntities is the set the chapter introduced;
// Duplicates are the conflicts merging skipped, for post-chapter resolution.
type Outcome struct {
	BookID      int64
	Chapter     int
	Result      *ChapterResult
	NewEntities glossary.EntityMap
	Duplicates  []glossary.PotentialDuplicate
	TotalChars  int
	Elapsed     time.Duration
}

// Translator owns the chapter pipeline for one provider client.
type Translator struct {
	store    *store.Store
	client   provider.Client
	ratios   *RatioTracker
	progress func(ProgressEvent)
}

// New builds a Translator. progress may be nil.
func New(s *store.Store, client provider.Client, ratios *RatioTracker, progress func(ProgressEvent)) *Translator {
	if progress == nil {
		progress = func(ProgressEvent) {}
	}
	return &Translator{store: s, client: client, ratios: ratios, progress: progress}
}

// TranslateChapter runs the whole pipeline for one chapter and returns the
// outcome without touching the store. Chunks are strictly sequential: each
// chunk's new entities are merged into the working glossary before the next
// chunk's prompt is composed, so a name coined in chunk one is already
// established vocabulary in chunk two.
func (t *Translator) TranslateChapter(ctx context.Context, bookID int64, chapter int) (*Outcome, error) {
	jobID := uuid.NewString()[:8]
	log := logging.WithRequestID(logging.CategoryTranslate, jobID)
	start := time.Now()

	book, err := t.store.GetBook(bookID)
	if err != nil {
		return nil, err
	}
	ch, err := t.store.GetChapter(bookID, chapter)
	if err != nil {
		return nil, err
	}
	if len(ch.Source) == 0 {
		return nil, fmt.Errorf("chapter %d of book %d has no source text", chapter, bookID)
	}

	global, err := t.store.Entities(0)
	if err != nil {
		return nil, err
	}
	scoped, err := t.store.Entities(bookID)
	if err != nil {
		return nil, err
	}
	working := prompt.MergeScopes(global, scoped)
	snapshot := working.Clone()

	budget := t.client.MaxChars()
	if t.ratios != nil {
		budget = t.ratios.ChunkBudget(budget, t.client.MaxOutputTokens())
	}
	chunks := splitLines(ch.Source, budget)
	totalChars := charCount(ch.Source)

	log.Info("translating chapter %d of book %d: %d lines, %d chars, %d chunks (budget %d)",
		chapter, bookID, len(ch.Source), totalChars, len(chunks), budget)

	result := &ChapterResult{Entities: working}
	var summaries []string
	var duplicates []glossary.PotentialDuplicate
	var outputTokens int

	for i, chunk := range chunks {
		chunkResult, tokens, err := t.translateChunk(ctx, book, working, chunk, chapter, i, len(chunks))
		if err != nil {
			log.Error("chunk %d/%d failed: %v", i+1, len(chunks), err)
			return nil, fmt.Errorf("chunk %d/%d of chapter %d: %w", i+1, len(chunks), chapter, err)
		}
		outputTokens += tokens

		if len(chunkResult.Content) != len(chunk) {
			log.Warn("chunk %d/%d returned %d lines for %d source lines",
				i+1, len(chunks), len(chunkResult.Content), len(chunk))
		}
		result.Content = append(result.Content, chunkResult.Content...)
		if result.Title == "" {
			result.Title = chunkResult.Title
		}
		if chunkResult.Summary != "" {
			summaries = append(summaries, chunkResult.Summary)
		}
		// The chapter number of the merged result comes from the first
		// chunk that reports one.
		if result.Chapter == 0 && chunkResult.Chapter != 0 {
			result.Chapter = chunkResult.Chapter
			if chunkResult.Chapter != chapter {
				log.Warn("model reported chapter %d, expected %d", chunkResult.Chapter, chapter)
			}
		}

		dups := glossary.Merge(working, chunkResult.Entities, chapter)
		duplicates = append(duplicates, dups...)
		log.Debug("chunk %d/%d merged %d entities (%d conflicts)",
			i+1, len(chunks), chunkResult.Entities.Count(), len(dups))
	}
	if result.Chapter == 0 {
		result.Chapter = chapter
	}

	result.Summary = strings.Join(summaries, " ")
	if t.ratios != nil {
		t.ratios.Observe(totalChars, outputTokens)
	}
	t.progress(ProgressEvent{Chunk: len(chunks), TotalChunks: len(chunks), Done: true})

	outcome := &Outcome{
		BookID:      bookID,
		Chapter:     chapter,
		Result:      result,
		NewEntities: working.Diff(snapshot),
		Duplicates:  duplicates,
		TotalChars:  totalChars,
		Elapsed:     time.Since(start),
	}
	log.Info("chapter %d done in %v: %d lines, %d new entities, %d conflicts",
		chapter, outcome.Elapsed.Round(time.Millisecond),
		len(result.Content), outcome.NewEntities.Count(), len(duplicates))
	return outcome, nil
}

// translateChunk composes the prompt for one chunk, streams the response,
// and decodes it. The second return is the chunk's output token count, for
// the per-chapter ratio sample.
func (t *Translator) translateChunk(ctx context.Context, book *store.Book, working glossary.EntityMap,
	lines []string, chapter, index, total int) (*ChapterResult, int, error) {

	systemPrompt, _, err := prompt.Compose(prompt.Input{
		Template:     book.PromptTemplate,
		Entities:     working,
		Lines:        lines,
		Chapter:      chapter,
		Refresh:      true,
		StripExample: t.client.EnforcesSchema(),
	})
	if err != nil {
		return nil, 0, err
	}

	user := fmt.Sprintf("Chapter %d", chapter)
	if total > 1 {
		user = fmt.Sprintf("Chapter %d, part %d of %d", chapter, index+1, total)
	}
	user += ":\n\n" + strings.Join(lines, "\n")

	req := &provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: systemPrompt},
			{Role: provider.RoleUser, Content: user},
		},
		JSONMode: true,
	}
	if t.client.EnforcesSchema() {
		req.Schema = prompt.ChapterSchema()
	}

	accum, err := t.streamChunk(ctx, req, index, total)
	if err != nil {
		return nil, 0, err
	}

	tokens := t.client.LastUsage().CompletionTokens
	if tokens == 0 {
		// No usage from this vendor; a rune-quarter estimate keeps the
		// ratio learning alive.
		tokens = len([]rune(accum)) / 4
	}

	result, err := decodeChunk(accum, chapter)
	if err != nil {
		return nil, 0, err
	}
	return result, tokens, nil
}

// streamChunk drains one streaming call into a string, forwarding deltas to
// the progress callback.
func (t *Translator) streamChunk(ctx context.Context, req *provider.Request, index, total int) (string, error) {
	chunks, errs := t.client.ChatStream(ctx, req)

	var accum strings.Builder
	for chunk := range chunks {
		if chunk.Done {
			continue
		}
		accum.WriteString(chunk.Delta)
		t.progress(ProgressEvent{Chunk: index + 1, TotalChunks: total, Delta: chunk.Delta})
	}
	if err := <-errs; err != nil {
		return "", err
	}
	return accum.String(), nil
}

// Commit persists an outcome: the translated chapter, and the chapter's new
// entities into the book scope. Conflicts reported in the outcome were never
// merged, so nothing conflicting is written.
func (t *Translator) Commit(outcome *Outcome) error {
	if err := t.store.SaveTranslation(outcome.BookID, outcome.Chapter,
		outcome.Result.Content, outcome.Result.Summary, t.client.Model()); err != nil {
		return err
	}
	if err := t.store.UpsertEntities(outcome.BookID, outcome.NewEntities); err != nil {
		return err
	}

	// Known entities that reappeared need their LastChapter bumped in the
	// scope that owns them; writing a global entity into the book scope
	// would fork its identity.
	global, err := t.store.Entities(0)
	if err != nil {
		return err
	}
	scoped, err := t.store.Entities(outcome.BookID)
	if err != nil {
		return err
	}
	bumpGlobal, bumpBook := glossary.NewEntityMap(), glossary.NewEntityMap()
	for _, cat := range glossary.Categories {
		for k, v := range outcome.Result.Entities[cat] {
			if v.LastChapter != outcome.Chapter {
				continue
			}
			if _, ok := scoped[cat][k]; ok {
				bumpBook[cat][k] = v
			} else if _, ok := global[cat][k]; ok {
				bumpGlobal[cat][k] = v
			}
		}
	}
	if err := t.store.UpsertEntities(outcome.BookID, bumpBook); err != nil {
		return err
	}
	if err := t.store.UpsertEntities(0, bumpGlobal); err != nil {
		return err
	}

	logging.Translate("committed chapter %d of book %d (%d new entities)",
		outcome.Chapter, outcome.BookID, outcome.NewEntities.Count())
	return nil
}

// Advise asks the advice model for translation options for one entity.
func Advise(ctx context.Context, client provider.Client, in prompt.AdviceInput) (*prompt.Advice, error) {
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: prompt.ComposeAdvice(in)},
		},
		JSONMode: true,
	}
	if client.EnforcesSchema() {
		req.Schema = prompt.AdviceSchema()
	}

	resp, err := client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	advice, err := prompt.ParseAdvice(provider.StripFences(resp.Content))
	if err != nil {
		return nil, err
	}

	// The model is told to avoid taken translations but cannot be trusted
	// to; flag exact matches so the operator sees them before choosing.
	var clashes []string
	for _, opt := range advice.Options {
		for _, taken := range in.Taken {
			if opt.Translation == taken {
				clashes = append(clashes, opt.Translation)
			}
		}
	}
	if len(clashes) > 0 {
		advice.Assessment += fmt.Sprintf(
			"\n\nWarning: the following proposed translations are already used by other entities: %s.",
			strings.Join(clashes, ", "))
	}
	return advice, nil
}
