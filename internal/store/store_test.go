package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkstone/internal/glossary"
	"inkstone/internal/prompt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.CreateBook("Coiling Dragon", "I Eat Tomatoes", "zh", "en", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening applies the schema again and keeps the data.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	books, err := s2.ListBooks()
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Coiling Dragon", books[0].Title)
}

func TestBooks(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateBook("Desolate Era", "I Eat Tomatoes", "", "en", "")
	require.NoError(t, err)

	b, err := s.GetBook(id)
	require.NoError(t, err)
	assert.Equal(t, "Desolate Era", b.Title)
	assert.Equal(t, "zh", b.SourceLanguage)

	require.NoError(t, s.RenameBook(id, "Desolate Era", "IET"))
	b, err = s.GetBook(id)
	require.NoError(t, err)
	assert.Equal(t, "IET", b.Author)

	_, err = s.CreateBook("  ", "", "", "en", "")
	assert.Error(t, err)

	_, err = s.GetBook(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBookMetadataColumns(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateBook("Perfect World", "Chen Dong", "zh", "de", "body cultivation epic")
	require.NoError(t, err)

	b, err := s.GetBook(id)
	require.NoError(t, err)
	assert.Equal(t, "de", b.TargetLanguage)
	assert.Equal(t, "body cultivation epic", b.Description)
	assert.False(t, b.ModifiedAt.IsZero())

	// Empty languages fall back to the zh -> en defaults.
	id2, err := s.CreateBook("Shrouding the Heavens", "", "", "", "")
	require.NoError(t, err)
	b2, err := s.GetBook(id2)
	require.NoError(t, err)
	assert.Equal(t, "zh", b2.SourceLanguage)
	assert.Equal(t, "en", b2.TargetLanguage)

	// Titles are unique across the archive.
	_, err = s.CreateBook("Perfect World", "", "zh", "en", "")
	assert.Error(t, err)

	// Renaming bumps modified_at.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, s.RenameBook(id, "Perfect World", "辰东"))
	renamed, err := s.GetBook(id)
	require.NoError(t, err)
	assert.True(t, renamed.ModifiedAt.After(b.ModifiedAt))
}

func TestSetPromptTemplate(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)

	err = s.SetPromptTemplate(id, "translate it, no placeholder")
	require.Error(t, err)
	assert.Contains(t, err.Error(), prompt.EntitiesPlaceholder)

	require.NoError(t, s.SetPromptTemplate(id, "Known entities:\n{{ENTITIES_JSON}}\nTranslate."))
	b, err := s.GetBook(id)
	require.NoError(t, err)
	assert.Contains(t, b.PromptTemplate, prompt.EntitiesPlaceholder)

	// Empty template reverts to the built-in one.
	require.NoError(t, s.SetPromptTemplate(id, ""))
}

func TestEntityIdentity(t *testing.T) {
	s := openTestStore(t)
	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)

	_, err = s.AddEntity(&EntityRecord{
		BookID:       bookID,
		Category:     glossary.CategoryCharacters,
		Untranslated: "林动",
		Entity:       glossary.Entity{Translation: "Lin Dong", Gender: "male", LastChapter: 1},
	})
	require.NoError(t, err)

	// Same key in another category of the same scope violates identity.
	_, err = s.AddEntity(&EntityRecord{
		BookID:       bookID,
		Category:     glossary.CategoryPlaces,
		Untranslated: "林动",
		Entity:       glossary.Entity{Translation: "Lin Dong"},
	})
	var conflict *ConflictCategoryError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, glossary.CategoryCharacters, conflict.ExistingCategory)

	// Exact duplicate is also rejected.
	_, err = s.AddEntity(&EntityRecord{
		BookID:       bookID,
		Category:     glossary.CategoryCharacters,
		Untranslated: "林动",
		Entity:       glossary.Entity{Translation: "Lin Dong"},
	})
	require.Error(t, err)

	// The same key in the global scope is a different identity.
	_, err = s.AddEntity(&EntityRecord{
		Category:     glossary.CategoryCharacters,
		Untranslated: "林动",
		Entity:       glossary.Entity{Translation: "Lin Dong"},
	})
	require.NoError(t, err)

	// Two global rows with the same key still conflict with each other.
	_, err = s.AddEntity(&EntityRecord{
		Category:     glossary.CategoryPlaces,
		Untranslated: "林动",
		Entity:       glossary.Entity{Translation: "Lin Dong"},
	})
	require.ErrorAs(t, err, &conflict)
}

func TestUpsertEntities(t *testing.T) {
	s := openTestStore(t)
	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)

	first := glossary.NewEntityMap()
	first[glossary.CategoryCharacters]["林动"] = glossary.Entity{Translation: "Lin Dong", Gender: "male", LastChapter: 3}
	first[glossary.CategoryPlaces]["青阳镇"] = glossary.Entity{Translation: "Qingyang Town", LastChapter: 3}
	require.NoError(t, s.UpsertEntities(bookID, first))

	n, err := s.CountEntities(bookID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-upserting updates in place and never moves LastChapter backwards.
	second := glossary.NewEntityMap()
	second[glossary.CategoryCharacters]["林动"] = glossary.Entity{Translation: "Lin Dong", Gender: "male", LastChapter: 1}
	// A key filed under another category is skipped, not refiled.
	second[glossary.CategoryOrganizations]["青阳镇"] = glossary.Entity{Translation: "Qingyang Town", LastChapter: 5}
	require.NoError(t, s.UpsertEntities(bookID, second))

	rec, err := s.GetEntity(bookID, glossary.CategoryCharacters, "林动")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.LastChapter)

	rec, err = s.GetEntity(bookID, glossary.CategoryPlaces, "青阳镇")
	require.NoError(t, err)
	assert.Equal(t, "Qingyang Town", rec.Translation)

	_, err = s.GetEntity(bookID, glossary.CategoryOrganizations, "青阳镇")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntityUpdateDeleteMove(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AddEntity(&EntityRecord{
		Category:     glossary.CategoryAbilities,
		Untranslated: "化骨绵掌",
		Entity:       glossary.Entity{Translation: "Bone-Melting Palm", LastChapter: 2},
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateEntity(0, glossary.CategoryAbilities, "化骨绵掌",
		glossary.Entity{Translation: "Bone Softening Palm", LastChapter: 4, IncorrectTranslation: "Bone-Melting Palm"}))
	rec, err := s.GetEntity(0, glossary.CategoryAbilities, "化骨绵掌")
	require.NoError(t, err)
	assert.Equal(t, "Bone Softening Palm", rec.Translation)
	assert.Equal(t, "Bone-Melting Palm", rec.IncorrectTranslation)

	require.NoError(t, s.MoveCategory(0, "化骨绵掌", glossary.CategoryAbilities, glossary.CategoryEquipment))
	_, err = s.GetEntity(0, glossary.CategoryEquipment, "化骨绵掌")
	require.NoError(t, err)

	require.NoError(t, s.DeleteEntity(0, glossary.CategoryEquipment, "化骨绵掌"))
	// Deleting again is a no-op.
	require.NoError(t, s.DeleteEntity(0, glossary.CategoryEquipment, "化骨绵掌"))

	err = s.UpdateEntity(0, glossary.CategoryEquipment, "化骨绵掌", glossary.Entity{Translation: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByTranslationAndEntityMap(t *testing.T) {
	s := openTestStore(t)

	for _, rec := range []EntityRecord{
		{Category: glossary.CategoryCharacters, Untranslated: "小炎", Entity: glossary.Entity{Translation: "Little Flame"}},
		{Category: glossary.CategoryCreatures, Untranslated: "火灵兽", Entity: glossary.Entity{Translation: "Little Flame"}},
	} {
		rec := rec
		_, err := s.AddEntity(&rec)
		require.NoError(t, err)
	}

	matches, err := s.FindByTranslation(0, "Little Flame")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	m, err := s.Entities(0)
	require.NoError(t, err)
	// All seven categories materialize even when empty.
	assert.Len(t, m, len(glossary.Categories))
	assert.Equal(t, 2, m.Count())
}

func TestChapters(t *testing.T) {
	s := openTestStore(t)
	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)

	source := []string{"第一章 觉醒", "林动睁开了眼睛。"}
	require.NoError(t, s.SaveChapterSource(bookID, 1, "觉醒", source))

	require.NoError(t, s.SaveTranslation(bookID, 1,
		[]string{"Chapter 1: Awakening", "Lin Dong opened his eyes."}, "Lin Dong awakens.", "gemini-2.5-pro"))

	ch, err := s.GetChapter(bookID, 1)
	require.NoError(t, err)
	assert.Equal(t, source, ch.Source)
	assert.Equal(t, "Lin Dong opened his eyes.", ch.Translation[1])
	assert.Equal(t, "Lin Dong awakens.", ch.Summary)

	// Re-saving the source keeps the existing translation.
	require.NoError(t, s.SaveChapterSource(bookID, 1, "觉醒", append(source, "他想起了什么。")))
	ch, err = s.GetChapter(bookID, 1)
	require.NoError(t, err)
	assert.Len(t, ch.Source, 3)
	assert.Len(t, ch.Translation, 2)

	err = s.SaveTranslation(bookID, 99, []string{"x"}, "", "")
	assert.ErrorIs(t, err, ErrNotFound)

	infos, err := s.ListChapters(bookID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Translated)

	nums, err := s.TranslatedChapters(bookID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, nums)
}

func TestChapterEmptyLinesSurviveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)

	// Scene breaks arrive as empty lines; the JSON-array encoding must keep
	// them in place, count included.
	source := []string{"第一章", "", "林动睁开了眼睛。", "", "", "他站了起来。"}
	require.NoError(t, s.SaveChapterSource(bookID, 1, "", source))

	translation := []string{"Chapter 1", "", "Lin Dong opened his eyes.", "", "", "He stood up."}
	require.NoError(t, s.SaveTranslation(bookID, 1, translation, "", ""))

	ch, err := s.GetChapter(bookID, 1)
	require.NoError(t, err)
	assert.Equal(t, source, ch.Source)
	assert.Equal(t, translation, ch.Translation)
}

func TestDecodeLinesLegacyFallback(t *testing.T) {
	// Rows written before the JSON encoding hold raw newline-joined text.
	assert.Equal(t, []string{"line one", "line two"}, decodeLines("line one\nline two"))
	assert.Equal(t, []string{"a", "b"}, decodeLines(`["a","b"]`))
	assert.Nil(t, decodeLines(""))
}

func TestDeleteBookCascades(t *testing.T) {
	s := openTestStore(t)
	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)

	require.NoError(t, s.SaveChapterSource(bookID, 1, "", []string{"x"}))
	_, err = s.AddEntity(&EntityRecord{
		BookID:       bookID,
		Category:     glossary.CategoryCharacters,
		Untranslated: "林动",
		Entity:       glossary.Entity{Translation: "Lin Dong"},
	})
	require.NoError(t, err)
	_, err = s.Enqueue(bookID, 1)
	require.NoError(t, err)

	require.NoError(t, s.DeleteBook(bookID))

	n, err := s.CountEntities(bookID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.GetChapter(bookID, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	qn, err := s.QueueLen()
	require.NoError(t, err)
	assert.Zero(t, qn)
}

func TestQueueOrderAndCompaction(t *testing.T) {
	s := openTestStore(t)
	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.SaveChapterSource(bookID, i, fmt.Sprintf("第%d章", i), []string{"x"}))
	}

	// Positions count from zero.
	for i := 1; i <= 4; i++ {
		pos, err := s.Enqueue(bookID, i)
		require.NoError(t, err)
		assert.Equal(t, i-1, pos)
	}

	_, err = s.Enqueue(bookID, 2)
	assert.ErrorIs(t, err, ErrDuplicateQueued)

	head, err := s.Peek()
	require.NoError(t, err)
	assert.Equal(t, 1, head.Chapter)
	assert.Equal(t, 0, head.Position)
	assert.Equal(t, "第1章", head.Title)

	// Removing from the middle closes the gap; positions stay 0..n-1.
	require.NoError(t, s.Remove(bookID, 2))
	items, err := s.ListQueue()
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, i, item.Position)
	}
	assert.Equal(t, []int{1, 3, 4}, []int{items[0].Chapter, items[1].Chapter, items[2].Chapter})
	assert.Equal(t, "第3章", items[1].Title)

	err = s.Remove(bookID, 2)
	assert.ErrorIs(t, err, ErrChapterNotQueued)

	removed, err := s.Clear(bookID)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = s.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestClearRenumbersSurvivors(t *testing.T) {
	s := openTestStore(t)
	b1, err := s.CreateBook("One", "", "zh", "en", "")
	require.NoError(t, err)
	b2, err := s.CreateBook("Two", "", "zh", "en", "")
	require.NoError(t, err)

	// Interleave the two books in the queue.
	for i := 1; i <= 3; i++ {
		_, err = s.Enqueue(b1, i)
		require.NoError(t, err)
		_, err = s.Enqueue(b2, i)
		require.NoError(t, err)
	}

	removed, err := s.Clear(b1)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	items, err := s.ListQueue()
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, b2, item.BookID)
		assert.Equal(t, i, item.Position)
		assert.Equal(t, i+1, item.Chapter)
	}
}

func TestDetectLegacyQueueFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	assert.False(t, DetectLegacyQueueFile(path))

	require.NoError(t, os.WriteFile(path, []byte(`["1"]`), 0644))
	assert.True(t, DetectLegacyQueueFile(path))
}

func TestAuditAndDecisions(t *testing.T) {
	s := openTestStore(t)

	// Cross-category rows predate the identity check; seed them directly.
	_, err := s.db.Exec(`
		INSERT INTO entities (book_id, category, untranslated, translation) VALUES
		(NULL, 'characters', '青龙', 'Azure Dragon'),
		(NULL, 'creatures',  '青龙', 'Azure Dragon'),
		(NULL, 'characters', '小炎', 'Little Flame'),
		(NULL, 'creatures',  '火灵兽', 'Little Flame')`)
	require.NoError(t, err)

	report, err := s.Audit()
	require.NoError(t, err)
	assert.False(t, report.Clean())

	require.Len(t, report.CrossCategory, 1)
	assert.Equal(t, "青龙", report.CrossCategory[0].Untranslated)
	assert.Len(t, report.CrossCategory[0].Records, 2)

	// "Azure Dragon" is shared by one key only; "Little Flame" by two.
	require.Len(t, report.Collisions, 1)
	assert.Equal(t, "Little Flame", report.Collisions[0].Translation)

	// keep resolves the cross-category group.
	require.NoError(t, s.ApplyDecision(Decision{
		Untranslated: "青龙",
		Action:       DecisionKeep,
		Category:     glossary.CategoryCreatures,
	}))
	_, err = s.GetEntity(0, glossary.CategoryCreatures, "青龙")
	require.NoError(t, err)
	_, err = s.GetEntity(0, glossary.CategoryCharacters, "青龙")
	assert.ErrorIs(t, err, ErrNotFound)

	// edit resolves the collision.
	require.NoError(t, s.ApplyDecision(Decision{
		Untranslated: "火灵兽",
		Action:       DecisionEdit,
		Category:     glossary.CategoryCreatures,
		Translation:  "Fire Spirit Beast",
	}))

	report, err = s.Audit()
	require.NoError(t, err)
	assert.True(t, report.Clean())

	// allow without a category acknowledges a collision and changes nothing;
	// delete removes the key.
	require.NoError(t, s.ApplyDecision(Decision{Untranslated: "小炎", Action: DecisionAllow}))
	require.NoError(t, s.ApplyDecision(Decision{Untranslated: "小炎", Action: DecisionDelete}))
	_, err = s.GetEntity(0, glossary.CategoryCharacters, "小炎")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.ApplyDecision(Decision{Untranslated: "x", Action: "explode"})
	assert.Error(t, err)
}

func TestAllowDecisionFilesDuplicateCategory(t *testing.T) {
	s := openTestStore(t)

	// The beast is named after its master; the operator wants it in both
	// categories. Plain inserts must still refuse.
	_, err := s.AddEntity(&EntityRecord{
		Category:     glossary.CategoryCharacters,
		Untranslated: "青龙",
		Entity:       glossary.Entity{Translation: "Azure Dragon", LastChapter: 3},
	})
	require.NoError(t, err)

	_, err = s.AddEntity(&EntityRecord{
		Category:     glossary.CategoryCreatures,
		Untranslated: "青龙",
		Entity:       glossary.Entity{Translation: "Azure Dragon"},
	})
	var conflict *ConflictCategoryError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, s.ApplyDecision(Decision{
		Untranslated: "青龙",
		Action:       DecisionAllow,
		Category:     glossary.CategoryCreatures,
	}))

	// Both rows exist now; the new one inherited the translation.
	rec, err := s.GetEntity(0, glossary.CategoryCreatures, "青龙")
	require.NoError(t, err)
	assert.Equal(t, "Azure Dragon", rec.Translation)
	_, err = s.GetEntity(0, glossary.CategoryCharacters, "青龙")
	require.NoError(t, err)

	// Applying the same decision again is idempotent.
	require.NoError(t, s.ApplyDecision(Decision{
		Untranslated: "青龙",
		Action:       DecisionAllow,
		Category:     glossary.CategoryCreatures,
	}))
	recs, err := s.ListEntities(0, "")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// An explicit translation overrides the inherited one.
	require.NoError(t, s.ApplyDecision(Decision{
		Untranslated: "青龙",
		Action:       DecisionAllow,
		Category:     glossary.CategoryTitles,
		Translation:  "Azure Dragon Sovereign",
	}))
	rec, err = s.GetEntity(0, glossary.CategoryTitles, "青龙")
	require.NoError(t, err)
	assert.Equal(t, "Azure Dragon Sovereign", rec.Translation)
}

func TestGlossaryExportImport(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AddEntity(&EntityRecord{
		Category:     glossary.CategoryCharacters,
		Untranslated: "林动",
		Entity:       glossary.Entity{Translation: "Lin Dong", Gender: "male", LastChapter: 12},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.ExportGlossary(0, &buf))
	assert.Contains(t, buf.String(), "Lin Dong")

	// Import into a fresh store round-trips the data.
	s2 := openTestStore(t)
	n, err := s2.ImportGlossary(0, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s2.GetEntity(0, glossary.CategoryCharacters, "林动")
	require.NoError(t, err)
	assert.Equal(t, "Lin Dong", rec.Translation)
	assert.Equal(t, 12, rec.LastChapter)

	_, err = s2.ImportGlossary(0, bytes.NewReader([]byte(`{"version":99}`)))
	assert.Error(t, err)
}

func TestSaveTranslationBumpsModifiedAt(t *testing.T) {
	s := openTestStore(t)
	bookID, err := s.CreateBook("Book", "", "zh", "en", "")
	require.NoError(t, err)
	require.NoError(t, s.SaveChapterSource(bookID, 1, "", []string{"x"}))

	before, err := s.GetChapter(bookID, 1)
	require.NoError(t, err)

	// CURRENT_TIMESTAMP has second granularity.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, s.SaveTranslation(bookID, 1, []string{"y"}, "", "glm-4.7"))

	after, err := s.GetChapter(bookID, 1)
	require.NoError(t, err)
	assert.True(t, after.ModifiedAt.After(before.ModifiedAt))
	assert.Equal(t, "glm-4.7", after.TranslationModel)
	assert.False(t, after.TranslationDate.IsZero())
	assert.True(t, before.TranslationDate.IsZero())
}
