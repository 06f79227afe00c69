package glossary

import "strings"

// ScanText filters known down to the entries whose untranslated form occurs
// as a substring of the NFC-normalized text. When refresh is true, each hit
// also updates LastChapter to currentChapter on the supplied map; the
// orchestrator passes refresh=false when regenerating prompts mid-chapter so
// occurrences are not counted twice.
func ScanText(lines []string, known EntityMap, currentChapter int, refresh bool) EntityMap {
	text := NFC(strings.Join(lines, "\n"))

	found := NewEntityMap()
	for _, cat := range Categories {
		for key, entry := range known[cat] {
			if !strings.Contains(text, NFC(key)) {
				continue
			}
			if refresh {
				entry.LastChapter = currentChapter
				known[cat][key] = entry
			}
			found[cat][key] = known[cat][key]
		}
	}
	return found
}
