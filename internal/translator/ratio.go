package translator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"inkstone/internal/logging"
)

// defaultTokensPerChar is the assumed output-token-per-source-char ratio
// before any chapters have been observed.
const defaultTokensPerChar = 1.0

// chunkSafetyMargin keeps the predicted output comfortably under the token
// cap; truncated JSON loses the whole chapter.
const chunkSafetyMargin = 0.8

// RatioTracker learns how many output tokens a source character costs and
// persists the history to token_ratios.json next to the database. One ratio
// is recorded per completed chapter: total output tokens over total source
// characters.
type RatioTracker struct {
	path string

	mu     sync.Mutex
	ratios []float64
}

type ratioFile struct {
	Ratios  []float64 `json:"ratios"`
	Average float64   `json:"average"`
	Samples int       `json:"samples"`
}

// NewRatioTracker loads the history at path; a missing file starts empty.
func NewRatioTracker(path string) (*RatioTracker, error) {
	t := &RatioTracker{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ratio history: %w", err)
	}

	var file ratioFile
	if err := json.Unmarshal(data, &file); err != nil {
		logging.TranslateWarn("ratio history at %s is corrupt, starting fresh: %v", path, err)
		return t, nil
	}
	t.ratios = file.Ratios
	return t, nil
}

// Observe records one completed chapter. Zero counts (vendors that report no
// usage) are ignored.
func (t *RatioTracker) Observe(sourceChars, outputTokens int) {
	if sourceChars <= 0 || outputTokens <= 0 {
		return
	}
	ratio := float64(outputTokens) / float64(sourceChars)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.ratios = append(t.ratios, ratio)

	if err := t.save(); err != nil {
		logging.TranslateWarn("failed to save ratio history: %v", err)
	}
	logging.TranslateDebug("ratio sample: %.3f (avg %.3f over %d chapters)",
		ratio, average(t.ratios), len(t.ratios))
}

// Ratio returns the learned tokens-per-char average, or the default when no
// chapter has been observed yet.
func (t *RatioTracker) Ratio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ratios) == 0 {
		return defaultTokensPerChar
	}
	return average(t.ratios)
}

// ChunkBudget returns the effective per-chunk character budget: the
// provider's character limit, shrunk if the learned ratio predicts the
// output would overflow the token cap.
func (t *RatioTracker) ChunkBudget(maxChars, maxOutputTokens int) int {
	if maxOutputTokens <= 0 {
		return maxChars
	}
	ratio := t.Ratio()
	safe := int(float64(maxOutputTokens) * chunkSafetyMargin / ratio)
	if safe > 0 && safe < maxChars {
		logging.Translate("shrinking chunk budget: %d -> %d chars (ratio %.3f, cap %d tokens)",
			maxChars, safe, ratio, maxOutputTokens)
		return safe
	}
	return maxChars
}

func (t *RatioTracker) save() error {
	file := ratioFile{
		Ratios:  t.ratios,
		Average: average(t.ratios),
		Samples: len(t.ratios),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(t.path, data, 0644)
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
