// Package prompt composes the system prompts sent to translation models. The
// built-in template is embedded; books may carry their own template as long
// as it contains the entities placeholder. Only glossary entries that
// actually occur in the chunk are injected, keeping prompts small on books
// with thousands of accumulated entities.
package prompt

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"inkstone/internal/glossary"
	"inkstone/internal/logging"
)

//go:embed default_prompt.txt
var defaultTemplate string

// EntitiesPlaceholder must appear in every template; it is replaced with the
// glossary JSON.
const EntitiesPlaceholder = "{{ENTITIES_JSON}}"

// Example block markers. Schema-enforcing providers (Gemini) get the block
// stripped: a literal example alongside an enforced response schema makes
// models echo the example values.
const (
	exampleStart = "++++ Response Template Example"
	exampleEnd   = "++++ Response Template End"
)

// Input is everything a composition needs. Entities is the full scope view
// (global merged with book, book wins); the composer filters it down to the
// entries occurring in Lines.
type Input struct {
	Template     string // empty means the built-in template
	Entities     glossary.EntityMap
	Lines        []string
	Chapter      int
	Refresh      bool // bump LastChapter on scan hits in Entities
	StripExample bool // provider enforces a response schema
}

// Compose renders the system prompt for one chunk and returns it together
// with the glossary subset that was injected.
func Compose(in Input) (string, glossary.EntityMap, error) {
	template := in.Template
	if template == "" {
		template = defaultTemplate
	}
	if !strings.Contains(template, EntitiesPlaceholder) {
		return "", nil, fmt.Errorf("prompt template does not contain %s", EntitiesPlaceholder)
	}

	relevant := glossary.ScanText(in.Lines, in.Entities, in.Chapter, in.Refresh)

	entitiesJSON, err := json.MarshalIndent(relevant, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode glossary: %w", err)
	}

	rendered := strings.Replace(template, EntitiesPlaceholder, string(entitiesJSON), 1)
	if in.StripExample {
		rendered = stripExampleBlock(rendered)
	}

	logging.Prompt("composed prompt: chapter=%d entities=%d/%d bytes=%d strip_example=%v",
		in.Chapter, relevant.Count(), in.Entities.Count(), len(rendered), in.StripExample)
	return rendered, relevant, nil
}

// MergeScopes overlays the book glossary onto the global one. Book entries
// win on key collisions within a category; cross-category shadowing is left
// to the audit.
func MergeScopes(global, book glossary.EntityMap) glossary.EntityMap {
	merged := glossary.NewEntityMap()
	for _, cat := range glossary.Categories {
		for k, v := range global[cat] {
			merged[cat][k] = v
		}
		for k, v := range book[cat] {
			merged[cat][k] = v
		}
	}
	return merged
}

// stripExampleBlock removes the marked example block, including its marker
// lines. A template without markers is returned unchanged.
func stripExampleBlock(s string) string {
	start := strings.Index(s, exampleStart)
	if start < 0 {
		return s
	}
	end := strings.Index(s[start:], exampleEnd)
	if end < 0 {
		return s
	}
	tail := s[start+end+len(exampleEnd):]
	tail = strings.TrimPrefix(tail, "\n")
	return s[:start] + tail
}

// ChapterSchema is the JSON Schema of the chapter response, passed to
// schema-enforcing providers in place of the example block. Entity values are
// open-keyed, so categories use additionalProperties.
func ChapterSchema() map[string]any {
	entity := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"translation":           map[string]any{"type": "string"},
			"gender":                map[string]any{"type": "string"},
			"last_chapter":          map[string]any{},
			"incorrect_translation": map[string]any{"type": "string"},
		},
		"required": []string{"translation"},
	}
	category := map[string]any{
		"type":                 "object",
		"additionalProperties": entity,
	}

	categories := map[string]any{}
	required := make([]string, 0, len(glossary.Categories))
	for _, cat := range glossary.Categories {
		categories[string(cat)] = category
		required = append(required, string(cat))
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"chapter": map[string]any{"type": "integer"},
			"title":   map[string]any{"type": "string"},
			"content": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"summary": map[string]any{"type": "string"},
			"entities": map[string]any{
				"type":       "object",
				"properties": categories,
				"required":   required,
			},
		},
		"required": []string{"chapter", "title", "content", "summary", "entities"},
	}
}
