package translator

import "unicode/utf8"

// charCount measures lines the way chunk budgets are defined: runes, with
// one for each joining newline.
func charCount(lines []string) int {
	total := 0
	for i, line := range lines {
		total += utf8.RuneCountInString(line)
		if i > 0 {
			total++
		}
	}
	return total
}

// splitLines cuts a chapter into consecutive chunks of whole lines, each at
// most maxChars runes. The chunk count is the ceiling of total/maxChars and
// the per-chunk target is balanced, so a 5400-char chapter with a 5000
// budget becomes two ~2700 chunks rather than 5000+400. A single line longer
// than the budget gets a chunk of its own.
func splitLines(lines []string, maxChars int) [][]string {
	if len(lines) == 0 {
		return nil
	}
	total := charCount(lines)
	if maxChars <= 0 || total <= maxChars {
		return [][]string{lines}
	}

	numChunks := (total + maxChars - 1) / maxChars
	target := (total + numChunks - 1) / numChunks

	var chunks [][]string
	var current []string
	currentChars := 0
	for _, line := range lines {
		n := utf8.RuneCountInString(line)
		if len(current) > 0 && currentChars+1+n > target {
			chunks = append(chunks, current)
			current = nil
			currentChars = 0
		}
		if len(current) > 0 {
			currentChars++
		}
		current = append(current, line)
		currentChars += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
