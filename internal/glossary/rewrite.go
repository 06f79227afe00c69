package glossary

import (
	"regexp"
	"strings"
	"unicode"
)

// RewriteCasePreserving replaces every case-insensitive occurrence of
// incorrect with correct in each line. The replacement is done word by word:
// each word of the new text takes the case class (ALL-CAPS, Title, lowercase,
// or mixed) of the old word in the same position. When the word counts
// differ, the shorter side is padded with empty words so the operation is
// total. This is the single rewrite primitive; glossary-edit flows compose it.
func RewriteCasePreserving(lines []string, incorrect, correct string) []string {
	if strings.TrimSpace(incorrect) == "" {
		return lines
	}

	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(incorrect))
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = re.ReplaceAllStringFunc(line, func(match string) string {
			return recaseWords(match, correct)
		})
	}
	return out
}

// recaseWords maps the case class of each word of old onto the corresponding
// word of new.
func recaseWords(old, new string) string {
	oldWords := strings.Fields(old)
	newWords := strings.Fields(new)

	result := make([]string, len(newWords))
	for i, w := range newWords {
		var ref string
		if i < len(oldWords) {
			ref = oldWords[i]
		}
		result[i] = applyCaseClass(ref, w)
	}
	return strings.Join(result, " ")
}

// applyCaseClass renders word in the case class of ref. Mixed-case and empty
// references leave the word untouched.
func applyCaseClass(ref, word string) string {
	if ref == "" {
		return word
	}
	switch classifyCase(ref) {
	case caseUpper:
		return strings.ToUpper(word)
	case caseTitle:
		return titleCase(word)
	case caseLower:
		return strings.ToLower(word)
	default:
		return word
	}
}

type caseClass int

const (
	caseMixed caseClass = iota
	caseUpper
	caseTitle
	caseLower
)

func classifyCase(w string) caseClass {
	runes := []rune(w)
	hasLetter := false
	for _, r := range runes {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return caseMixed
	}
	if w == strings.ToUpper(w) && w != strings.ToLower(w) {
		return caseUpper
	}
	if w == strings.ToLower(w) {
		return caseLower
	}
	if titleCase(strings.ToLower(w)) == w {
		return caseTitle
	}
	return caseMixed
}

func titleCase(w string) string {
	runes := []rune(strings.ToLower(w))
	for i, r := range runes {
		if unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
			break
		}
	}
	return string(runes)
}
