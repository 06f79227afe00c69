package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AdviceOption is one proposed translation with its rationale.
type AdviceOption struct {
	Translation string `json:"translation"`
	Rationale   string `json:"rationale"`
}

// Advice is the parsed response to an advice request: a short assessment and
// exactly three candidate translations.
type Advice struct {
	Assessment string         `json:"message"`
	Options    []AdviceOption `json:"options"`
}

// AdviceInput describes the entity the operator wants a second opinion on.
type AdviceInput struct {
	Untranslated string
	Category     string
	Current      string   // current translation, may be empty
	Context      []string // source lines the entity appears in
	Taken        []string // translations already used by other entities
}

// ComposeAdvice renders the advice request prompt. The response contract is
// strict so the CLI can render options as a pick list.
func ComposeAdvice(in AdviceInput) string {
	var b strings.Builder
	b.WriteString("You are a translation consultant for Chinese web novels ")
	b.WriteString("(xianxia/xuanhuan).\n\n")
	fmt.Fprintf(&b, "Entity: %s (category: %s)\n", in.Untranslated, in.Category)
	if in.Current != "" {
		fmt.Fprintf(&b, "Current English translation: %s\n", in.Current)
	}
	if len(in.Context) > 0 {
		b.WriteString("\nSource context:\n")
		for _, line := range in.Context {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	if len(in.Taken) > 0 {
		b.WriteString("\nThe following English names are already taken by other ")
		b.WriteString("entities and must NOT be proposed:\n")
		for _, tr := range in.Taken {
			fmt.Fprintf(&b, "  - %s\n", tr)
		}
	}
	b.WriteString(`
Respond with a single JSON object:
- "message": at most 200 words on how this name should be handled
  (literal meaning, genre convention, connotations)
- "options": exactly 3 candidate translations ordered by preference, each
  with "translation" and a one-sentence "rationale"
`)
	return b.String()
}

// ParseAdvice validates the advice response contract.
func ParseAdvice(raw string) (*Advice, error) {
	var advice Advice
	if err := json.Unmarshal([]byte(raw), &advice); err != nil {
		return nil, fmt.Errorf("failed to parse advice response: %w", err)
	}
	if len(advice.Options) != 3 {
		return nil, fmt.Errorf("advice response has %d options, want 3", len(advice.Options))
	}
	if words := len(strings.Fields(advice.Assessment)); words > 200 {
		return nil, fmt.Errorf("advice assessment has %d words, limit is 200", words)
	}
	return &advice, nil
}

// AdviceSchema is the JSON Schema of the advice response for
// schema-enforcing providers.
func AdviceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
			"options": map[string]any{
				"type":     "array",
				"minItems": 3,
				"maxItems": 3,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"translation": map[string]any{"type": "string"},
						"rationale":   map[string]any{"type": "string"},
					},
					"required": []string{"translation", "rationale"},
				},
			},
		},
		"required": []string{"message", "options"},
	}
}
