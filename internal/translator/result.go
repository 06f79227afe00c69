// Package translator runs the chunked chapter translation pipeline: split,
// prompt, stream, decode, merge, commit. Nothing is written to the store
// until a whole chapter has translated cleanly.
package translator

import (
	"encoding/json"
	"strconv"
	"strings"

	"inkstone/internal/glossary"
	"inkstone/internal/logging"
	"inkstone/internal/provider"
)

// lastChapterSentinel is the literal models are told to emit for entities
// appearing in the current chapter; it is resolved to the chapter number
// during decoding so the rest of the pipeline only ever sees integers.
const lastChapterSentinel = "THIS CHAPTER"

// ChapterResult is a fully translated chapter.
type ChapterResult struct {
	Chapter  int
	Title    string
	Content  []string
	Summary  string
	Entities glossary.EntityMap
}

// chunkEntity is the wire form of one glossary entry. last_chapter arrives
// either as a number or as the sentinel string, so it is decoded lazily.
type chunkEntity struct {
	Translation          string          `json:"translation"`
	Gender               string          `json:"gender"`
	LastChapter          json.RawMessage `json:"last_chapter"`
	IncorrectTranslation string          `json:"incorrect_translation"`
}

// chunkResult is the wire form of one chunk response.
type chunkResult struct {
	Chapter  int                               `json:"chapter"`
	Title    string                            `json:"title"`
	Content  []string                          `json:"content"`
	Summary  string                            `json:"summary"`
	Entities map[string]map[string]chunkEntity `json:"entities"`
}

// decodeChunk parses one chunk response. The raw text is fence-stripped
// first; a response that still fails to parse is a MalformedJSONError
// carrying the full output. Unknown categories are dropped with a warning
// rather than failing the chapter. Chapter carries whatever number the model
// reported (zero when absent); the orchestrator reconciles it against the
// requested chapter.
func decodeChunk(raw string, chapter int) (*ChapterResult, error) {
	cleaned := provider.StripFences(raw)

	var wire chunkResult
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, &provider.MalformedJSONError{Raw: raw, Err: err}
	}

	entities := glossary.NewEntityMap()
	for catName, entries := range wire.Entities {
		cat, err := glossary.ParseCategory(catName)
		if err != nil {
			logging.TranslateWarn("dropping unknown entity category %q (%d entries)", catName, len(entries))
			continue
		}
		for key, we := range entries {
			key = glossary.NFC(strings.TrimSpace(key))
			if key == "" || we.Translation == "" {
				continue
			}
			entities[cat][key] = glossary.Entity{
				Translation:          strings.TrimSpace(we.Translation),
				Gender:               we.Gender,
				LastChapter:          decodeLastChapter(we.LastChapter, chapter),
				IncorrectTranslation: strings.TrimSpace(we.IncorrectTranslation),
			}
		}
	}

	return &ChapterResult{
		Chapter:  wire.Chapter,
		Title:    strings.TrimSpace(wire.Title),
		Content:  wire.Content,
		Summary:  strings.TrimSpace(wire.Summary),
		Entities: entities,
	}, nil
}

// decodeLastChapter resolves the last_chapter wire value. The sentinel and
// every unparseable form resolve to the current chapter; a plain number is
// taken as-is.
func decodeLastChapter(raw json.RawMessage, chapter int) int {
	if len(raw) == 0 {
		return chapter
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.EqualFold(strings.TrimSpace(s), lastChapterSentinel) {
			return chapter
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
		return chapter
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return chapter
}
