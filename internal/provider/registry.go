package provider

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"inkstone/internal/logging"
)

//go:embed providers.json
var providersJSON []byte

// registryEntry describes one provider in the embedded catalog.
type registryEntry struct {
	Class           string   `json:"class"`
	BaseURL         string   `json:"base_url,omitempty"`
	APIKeyEnv       string   `json:"api_key_env"`
	DefaultModel    string   `json:"default_model"`
	Models          []string `json:"models"`
	MaxChars        int      `json:"max_chars"`
	MaxOutputTokens int      `json:"max_output_tokens"`
}

type registryDoc struct {
	Providers map[string]registryEntry `json:"providers"`
	Aliases   map[string]string        `json:"aliases"`
}

var (
	registry     registryDoc
	registryOnce sync.Once
	registryErr  error
)

func loadRegistry() (registryDoc, error) {
	registryOnce.Do(func() {
		registryErr = json.Unmarshal(providersJSON, &registry)
	})
	if registryErr != nil {
		return registryDoc{}, fmt.Errorf("failed to parse embedded provider catalog: %w", registryErr)
	}
	return registry, nil
}

// Options override catalog limits; zero fields keep catalog values.
type Options struct {
	MaxChars        int
	MaxOutputTokens int
}

// Resolve turns a model spec into a ready Client. Specs take two forms:
//
//	provider:model   explicit, with aliases (oai:gpt-4.1, ds:deepseek-chat,
//	                 claude:claude-sonnet-4-5); an empty model part picks the
//	                 provider's default
//	model            bare model name, matched against the catalog's model
//	                 lists and name-prefix conventions
//
// The API key is read from the provider's registered environment variable;
// a missing key is a configuration error naming that variable.
func Resolve(ctx context.Context, spec string, opts Options) (Client, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty model spec", ErrConfig)
	}

	var name, model string
	if before, after, found := strings.Cut(spec, ":"); found {
		name, model = before, after
	} else {
		name = inferProvider(reg, spec)
		if name == "" {
			return nil, fmt.Errorf("%w: cannot infer provider for model %q; use provider:model", ErrConfig, spec)
		}
		model = spec
	}

	if canonical, ok := reg.Aliases[name]; ok {
		name = canonical
	}
	entry, ok := reg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrConfig, name)
	}
	if model == "" {
		model = entry.DefaultModel
	}

	apiKey := os.Getenv(entry.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrConfig, entry.APIKeyEnv)
	}

	maxChars := entry.MaxChars
	if opts.MaxChars > 0 {
		maxChars = opts.MaxChars
	}
	maxOutput := entry.MaxOutputTokens
	if opts.MaxOutputTokens > 0 {
		maxOutput = opts.MaxOutputTokens
	}

	logging.API("resolved %q -> provider=%s model=%s max_chars=%d max_output_tokens=%d",
		spec, name, model, maxChars, maxOutput)

	switch entry.Class {
	case "openai":
		return NewOpenAIClient(name, entry.BaseURL, apiKey, model, maxChars, maxOutput), nil
	case "anthropic":
		return NewAnthropicClient(apiKey, model, maxChars, maxOutput), nil
	case "gemini":
		return NewGeminiClient(ctx, apiKey, model, maxChars, maxOutput)
	default:
		return nil, fmt.Errorf("%w: provider %q has unknown class %q", ErrConfig, name, entry.Class)
	}
}

// inferProvider resolves a bare model name: exact catalog match first, then
// name-prefix conventions.
func inferProvider(reg registryDoc, model string) string {
	for name, entry := range reg.Providers {
		for _, m := range entry.Models {
			if m == model {
				return name
			}
		}
	}
	switch {
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o"):
		return "openai"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	case strings.HasPrefix(model, "deepseek"):
		return "deepseek"
	}
	return ""
}

// Known lists the canonical provider names in the catalog, sorted, for CLI
// error messages and help text.
func Known() []string {
	reg, err := loadRegistry()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(reg.Providers))
	for name := range reg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
