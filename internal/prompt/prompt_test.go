package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkstone/internal/glossary"
)

func testEntities() glossary.EntityMap {
	m := glossary.NewEntityMap()
	m[glossary.CategoryCharacters]["林动"] = glossary.Entity{Translation: "Lin Dong", Gender: "male", LastChapter: 3}
	m[glossary.CategoryPlaces]["青阳镇"] = glossary.Entity{Translation: "Qingyang Town", LastChapter: 2}
	m[glossary.CategoryAbilities]["八荒掌"] = glossary.Entity{Translation: "Eight Desolations Palm", LastChapter: 1}
	return m
}

func TestComposeInjectsOnlyOccurringEntities(t *testing.T) {
	rendered, injected, err := Compose(Input{
		Entities: testEntities(),
		Lines:    []string{"林动离开了青阳镇。"},
		Chapter:  5,
	})
	require.NoError(t, err)

	assert.Contains(t, rendered, "Lin Dong")
	assert.Contains(t, rendered, "Qingyang Town")
	assert.NotContains(t, rendered, "Eight Desolations Palm")
	assert.NotContains(t, rendered, EntitiesPlaceholder)
	assert.Equal(t, 2, injected.Count())

	// The injected glossary is well-formed JSON with all seven categories.
	start := strings.Index(rendered, `"characters"`)
	require.Greater(t, start, 0)
	for _, cat := range glossary.Categories {
		assert.Contains(t, rendered, `"`+string(cat)+`"`)
	}
}

func TestDefaultTemplateWireContract(t *testing.T) {
	rendered, _, err := Compose(Input{
		Entities: glossary.NewEntityMap(),
		Lines:    []string{"x"},
		Chapter:  1,
	})
	require.NoError(t, err)

	// Gender values and the summary bound must match what the decoder and
	// downstream consumers expect.
	assert.Contains(t, rendered, `"neither"`)
	assert.NotContains(t, rendered, `"unknown"`)
	assert.Contains(t, rendered, "at most 75 words")
}

func TestComposeRefreshBumpsLastChapter(t *testing.T) {
	entities := testEntities()
	_, _, err := Compose(Input{
		Entities: entities,
		Lines:    []string{"林动"},
		Chapter:  9,
		Refresh:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 9, entities[glossary.CategoryCharacters]["林动"].LastChapter)
	assert.Equal(t, 2, entities[glossary.CategoryPlaces]["青阳镇"].LastChapter)
}

func TestComposeStripExample(t *testing.T) {
	full, _, err := Compose(Input{
		Entities: glossary.NewEntityMap(),
		Lines:    []string{"x"},
		Chapter:  1,
	})
	require.NoError(t, err)
	assert.Contains(t, full, exampleStart)
	assert.Contains(t, full, "Azure Dragon")

	stripped, _, err := Compose(Input{
		Entities:     glossary.NewEntityMap(),
		Lines:        []string{"x"},
		Chapter:      1,
		StripExample: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, stripped, exampleStart)
	assert.NotContains(t, stripped, exampleEnd)
	assert.NotContains(t, stripped, "Azure Dragon")
	// The contract description before the block survives.
	assert.Contains(t, stripped, `"entities"`)
}

func TestComposeCustomTemplate(t *testing.T) {
	rendered, _, err := Compose(Input{
		Template: "Custom instructions.\nGlossary: {{ENTITIES_JSON}}\nGo.",
		Entities: testEntities(),
		Lines:    []string{"林动"},
		Chapter:  1,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rendered, "Custom instructions."))
	assert.Contains(t, rendered, "Lin Dong")

	_, _, err = Compose(Input{
		Template: "no placeholder here",
		Entities: testEntities(),
		Lines:    []string{"x"},
		Chapter:  1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EntitiesPlaceholder)
}

func TestMergeScopesBookWins(t *testing.T) {
	global := glossary.NewEntityMap()
	global[glossary.CategoryCharacters]["林动"] = glossary.Entity{Translation: "Lin Dong (global)"}
	global[glossary.CategoryPlaces]["青阳镇"] = glossary.Entity{Translation: "Qingyang Town"}

	book := glossary.NewEntityMap()
	book[glossary.CategoryCharacters]["林动"] = glossary.Entity{Translation: "Lin Dong (book)"}

	merged := MergeScopes(global, book)
	assert.Equal(t, "Lin Dong (book)", merged[glossary.CategoryCharacters]["林动"].Translation)
	assert.Equal(t, "Qingyang Town", merged[glossary.CategoryPlaces]["青阳镇"].Translation)
	// Inputs are untouched.
	assert.Equal(t, "Lin Dong (global)", global[glossary.CategoryCharacters]["林动"].Translation)
}

func TestChapterSchemaShape(t *testing.T) {
	schema := ChapterSchema()

	// The schema must be encodable for the request body.
	data, err := json.Marshal(schema)
	require.NoError(t, err)

	props := schema["properties"].(map[string]any)
	for _, key := range []string{"chapter", "title", "content", "summary", "entities"} {
		assert.Contains(t, props, key)
	}
	entityProps := props["entities"].(map[string]any)["properties"].(map[string]any)
	assert.Len(t, entityProps, len(glossary.Categories))
	assert.Contains(t, string(data), "additionalProperties")
}

func TestComposeAdviceAndParse(t *testing.T) {
	promptText := ComposeAdvice(AdviceInput{
		Untranslated: "青龙",
		Category:     "creatures",
		Current:      "Azure Dragon",
		Context:      []string{"青龙在云中咆哮。"},
		Taken:        []string{"Cerulean Wyrm"},
	})
	assert.Contains(t, promptText, "青龙")
	assert.Contains(t, promptText, "Azure Dragon")
	assert.Contains(t, promptText, "Cerulean Wyrm")
	assert.Contains(t, promptText, "exactly 3")

	advice, err := ParseAdvice(`{
		"message": "Conventional and accurate.",
		"options": [
			{"translation": "Azure Dragon", "rationale": "Genre standard."},
			{"translation": "Azure Drake", "rationale": "Smaller creature."},
			{"translation": "Qinglong", "rationale": "Pinyin, for flavor."}
		]
	}`)
	require.NoError(t, err)
	assert.Len(t, advice.Options, 3)

	_, err = ParseAdvice(`{"message": "x", "options": [{"translation": "a", "rationale": "b"}]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 3")

	_, err = ParseAdvice(`not json`)
	assert.Error(t, err)
}
