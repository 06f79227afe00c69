// Package config loads the inkstone user configuration from
// .inkstone/config.json with environment-variable overrides. API keys are
// never stored here; they come from the environment variables named by the
// provider registry.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultMaxChars is the per-chunk source character budget used when neither
// the config file nor the provider registry overrides it.
const DefaultMaxChars = 5000

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	Level      string          `json:"level,omitempty"`
	Categories map[string]bool `json:"categories,omitempty"`
}

// Config is the user-facing configuration surface.
type Config struct {
	// TranslationModel is a provider spec of shape provider:model
	// (oai:gpt-4.1, ds:deepseek-chat) or a bare model name resolved
	// through the registry.
	TranslationModel string `json:"translation_model"`

	// AdviceModel is the spec for the model used only by translation
	// advice requests.
	AdviceModel string `json:"advice_model"`

	// MaxChars caps source characters per chunk. Zero means "use the
	// provider registry value".
	MaxChars int `json:"max_chars,omitempty"`

	// MaxOutputTokens caps generation per request. Zero means "use the
	// provider registry value".
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// DebugMode enables the category file logger.
	DebugMode bool `json:"debug_mode"`

	Logging LoggingConfig `json:"logging,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TranslationModel: "oai:gpt-4.1",
		AdviceModel:      "oai:gpt-4.1",
		DebugMode:        false,
	}
}

// Dir returns the inkstone state directory under the workspace.
func Dir(workspace string) string {
	return filepath.Join(workspace, ".inkstone")
}

// Path returns the config file path under the workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), "config.json")
}

// DatabasePath returns the SQLite database path under the workspace.
func DatabasePath(workspace string) string {
	return filepath.Join(Dir(workspace), "inkstone.db")
}

// RatioPath returns the token-ratio history path under the workspace.
func RatioPath(workspace string) string {
	return filepath.Join(Dir(workspace), "token_ratios.json")
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run; defaults plus env overrides.
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.TranslationModel == "" {
		cfg.TranslationModel = Default().TranslationModel
	}
	if cfg.AdviceModel == "" {
		cfg.AdviceModel = cfg.TranslationModel
	}
	return cfg, nil
}

// Save writes the config file, creating the state directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INKSTONE_TRANSLATION_MODEL"); v != "" {
		c.TranslationModel = v
	}
	if v := os.Getenv("INKSTONE_ADVICE_MODEL"); v != "" {
		c.AdviceModel = v
	}
	if v := os.Getenv("INKSTONE_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxChars = n
		}
	}
	if v := os.Getenv("INKSTONE_MAX_OUTPUT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxOutputTokens = n
		}
	}
	if v := os.Getenv("INKSTONE_DEBUG"); v != "" {
		c.DebugMode = v == "1" || v == "true"
	}
}
