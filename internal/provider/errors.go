package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions callers branch on. Adapters wrap these with
// vendor detail; use errors.Is to test.
var (
	// ErrAuth indicates a rejected or missing API key.
	ErrAuth = errors.New("provider: authentication failed")

	// ErrRateLimit indicates the vendor returned HTTP 429 or an equivalent
	// overload signal. The adapter does not retry; retry policy belongs to
	// callers.
	ErrRateLimit = errors.New("provider: rate limited")

	// ErrConfig indicates an unusable provider spec, registry entry or
	// environment (unknown provider, unknown model, missing API key).
	ErrConfig = errors.New("provider: invalid configuration")
)

// SafetyBlockedError is returned when the vendor's content filter suppressed
// the response. Category is the vendor's reason string (SAFETY, RECITATION,
// content_filter, refusal, ...).
type SafetyBlockedError struct {
	Category string
}

func (e *SafetyBlockedError) Error() string {
	return fmt.Sprintf("provider: response blocked by content filter (%s)", e.Category)
}

// TruncatedOutputError is returned when generation stopped at the output
// token cap, leaving the response incomplete.
type TruncatedOutputError struct {
	MaxTokens int
}

func (e *TruncatedOutputError) Error() string {
	return fmt.Sprintf("provider: output truncated at %d tokens", e.MaxTokens)
}

// MalformedJSONError is produced by callers that required a JSON response and
// could not parse one. Raw preserves the full model output for forensics.
type MalformedJSONError struct {
	Raw string
	Err error
}

func (e *MalformedJSONError) Error() string {
	return fmt.Sprintf("provider: response is not valid JSON: %v", e.Err)
}

func (e *MalformedJSONError) Unwrap() error { return e.Err }

// StripFences removes a single wrapping markdown code fence (``` or ```json)
// from s, if present. Models without a native JSON mode routinely fence their
// output despite instructions.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		tag := strings.TrimSpace(trimmed[:idx])
		if tag == "" || strings.EqualFold(tag, "json") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
