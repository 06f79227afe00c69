package glossary

import "inkstone/internal/logging"

// PotentialDuplicate records a conflict detected while merging a chunk's
// entities into the running result. Conflicts are never errors; they are
// surfaced for the caller to resolve after the chapter completes.
type PotentialDuplicate struct {
	Untranslated        string   `json:"untranslated"`
	Translation         string   `json:"translation"`
	NewCategory         Category `json:"new_category"`
	ExistingCategory    Category `json:"existing_category"`
	ExistingTranslation string   `json:"existing_translation"`
}

// Merge folds src into dst, enforcing cross-category uniqueness and
// translation uniqueness within the merged result:
//
//   - a key already present under a different category is skipped and
//     reported as a potential cross-category duplicate;
//   - a key whose translation already exists verbatim under a different key
//     is skipped and reported as a potential translation collision;
//   - a new key is inserted with LastChapter set to chapter;
//   - an existing key only has its LastChapter refreshed.
//
// dst is mutated; the returned slice holds the conflicts in deterministic
// (category, key) order.
func Merge(dst, src EntityMap, chapter int) []PotentialDuplicate {
	var dups []PotentialDuplicate

	for _, cat := range Categories {
		for _, key := range sortedKeys(src[cat]) {
			incoming := src[cat][key]
			key = NFC(key)

			if existingCat, existing, ok := dst.Lookup(key); ok && existingCat != cat {
				logging.TranslateWarn("entity %q proposed in %s but already present in %s; skipping",
					key, cat, existingCat)
				dups = append(dups, PotentialDuplicate{
					Untranslated:        key,
					Translation:         incoming.Translation,
					NewCategory:         cat,
					ExistingCategory:    existingCat,
					ExistingTranslation: existing.Translation,
				})
				continue
			}

			if _, exists := dst[cat][key]; !exists && incoming.Translation != "" {
				if otherCat, otherKey, ok := dst.FindTranslation(incoming.Translation); ok && otherKey != key {
					logging.TranslateWarn("translation %q for %q already used by %q (%s); skipping",
						incoming.Translation, key, otherKey, otherCat)
					dups = append(dups, PotentialDuplicate{
						Untranslated:        key,
						Translation:         incoming.Translation,
						NewCategory:         cat,
						ExistingCategory:    otherCat,
						ExistingTranslation: incoming.Translation,
					})
					continue
				}
			}

			if existing, ok := dst[cat][key]; ok {
				existing.LastChapter = chapter
				dst[cat][key] = existing
				continue
			}

			incoming.LastChapter = chapter
			dst[cat][key] = incoming
		}
	}
	return dups
}
