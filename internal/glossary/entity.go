// Package glossary defines the entity model shared by the store, the prompt
// composer and the translation orchestrator: the closed category set, the
// Entity record, and the pure text operations (occurrence scanning,
// case-preserving rewrite, chunk merging) that keep proper-noun translations
// consistent across chapters.
package glossary

import (
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Category is one of the fixed glossary categories. The set is closed;
// cross-category invariants depend on it never being a free-form string.
type Category string

const (
	CategoryCharacters    Category = "characters"
	CategoryPlaces        Category = "places"
	CategoryOrganizations Category = "organizations"
	CategoryAbilities     Category = "abilities"
	CategoryTitles        Category = "titles"
	CategoryEquipment     Category = "equipment"
	CategoryCreatures     Category = "creatures"
)

// Categories lists every category in canonical order.
var Categories = []Category{
	CategoryCharacters,
	CategoryPlaces,
	CategoryOrganizations,
	CategoryAbilities,
	CategoryTitles,
	CategoryEquipment,
	CategoryCreatures,
}

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

// Entity is one glossary entry. The persistent identity (category,
// untranslated, book scope) lives outside the record; the record holds the
// mutable payload.
type Entity struct {
	Translation          string `json:"translation"`
	Gender               string `json:"gender,omitempty"`
	LastChapter          int    `json:"last_chapter"`
	IncorrectTranslation string `json:"incorrect_translation,omitempty"`
}

// EntityMap is the in-memory view of a glossary: category -> untranslated
// surface form (NFC) -> entry.
type EntityMap map[Category]map[string]Entity

// NewEntityMap returns a map with every category present and empty. The
// prompt contract requires all seven categories to appear even when empty.
func NewEntityMap() EntityMap {
	m := make(EntityMap, len(Categories))
	for _, c := range Categories {
		m[c] = make(map[string]Entity)
	}
	return m
}

// NFC normalizes a string to Unicode NFC. Every comparison involving an
// untranslated surface form goes through this first.
func NFC(s string) string {
	return norm.NFC.String(s)
}

// Clone deep-copies the map. The orchestrator snapshots the glossary before
// a run so newly introduced entities can be computed afterwards.
func (m EntityMap) Clone() EntityMap {
	out := make(EntityMap, len(m))
	for cat, entries := range m {
		cp := make(map[string]Entity, len(entries))
		for k, v := range entries {
			cp[k] = v
		}
		out[cat] = cp
	}
	return out
}

// Count returns the total number of entries across categories.
func (m EntityMap) Count() int {
	n := 0
	for _, entries := range m {
		n += len(entries)
	}
	return n
}

// Lookup finds the category holding key, if any.
func (m EntityMap) Lookup(key string) (Category, Entity, bool) {
	key = NFC(key)
	for _, cat := range Categories {
		if e, ok := m[cat][key]; ok {
			return cat, e, true
		}
	}
	return "", Entity{}, false
}

// FindTranslation locates an entry whose translation matches verbatim,
// returning its category and untranslated key.
func (m EntityMap) FindTranslation(translation string) (Category, string, bool) {
	for _, cat := range Categories {
		for _, key := range sortedKeys(m[cat]) {
			if m[cat][key].Translation == translation {
				return cat, key, true
			}
		}
	}
	return "", "", false
}

// Diff returns the entries present in m but absent from older, category by
// category. Used to surface the entities a chapter introduced.
func (m EntityMap) Diff(older EntityMap) EntityMap {
	out := NewEntityMap()
	for _, cat := range Categories {
		for k, v := range m[cat] {
			if _, ok := older[cat][k]; !ok {
				out[cat][k] = v
			}
		}
	}
	return out
}

func sortedKeys(entries map[string]Entity) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
