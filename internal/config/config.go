// Package config loads the orchestrator's configuration and the supporting
// per-concern config blocks (LLM API, Nostr sink) consumed by other
// packages. The loader is viper-backed so the same config can be supplied
// as YAML, JSON, TOML, or environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of keys the orchestrator accepts.
type Config struct {
	WorkspaceRoot    string `mapstructure:"workspaceRoot"`
	DesiredInstances int    `mapstructure:"desiredInstances"`

	DailyBudgetUSD   float64 `mapstructure:"dailyBudgetUsd"`
	MonthlyBudgetUSD float64 `mapstructure:"monthlyBudgetUsd"`

	MaxBudgetPerTaskUSD     float64 `mapstructure:"maxBudgetPerTaskUsd"`
	MaxBudgetPerReviewUSD   float64 `mapstructure:"maxBudgetPerReviewUsd"`
	MaxBudgetPerIdeationUSD float64 `mapstructure:"maxBudgetPerIdeationUsd"`
	MaxTurnsPerTask         int     `mapstructure:"maxTurnsPerTask"`

	EnabledCategories []string `mapstructure:"enabledCategories"`

	ProjectID string `mapstructure:"projectId"`
	Owner     string `mapstructure:"owner"`
	Repo      string `mapstructure:"repo"`
	HostToken string `mapstructure:"hostToken"`

	CategoryPromptsDir string `mapstructure:"categoryPromptsDir"`

	API   APIConfig   `mapstructure:"api"`
	Nostr NostrConfig `mapstructure:"nostr"`
}

// Load reads the configuration from path (YAML/JSON/TOML, resolved by
// viper from the file extension). A FORGEMAN_-prefixed environment variable
// takes precedence over the file's value for the same key.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FORGEMAN")
	v.AutomaticEnv()

	v.SetDefault("desiredInstances", 1)
	v.SetDefault("maxTurnsPerTask", 40)
	v.SetDefault("categoryPromptsDir", "prompts")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		return nil, fmt.Errorf("config: workspaceRoot is required")
	}
	return &cfg, nil
}

// APIConfig configures the LLM transport client (internal/llm).
type APIConfig struct {
	APIType        string            `mapstructure:"api_type"`
	BaseURL        string            `mapstructure:"base_url"`
	Model          string            `mapstructure:"model"`
	APIKey         string            `mapstructure:"api_key"`
	MaxTokens      int               `mapstructure:"max_tokens"`
	ContextWindow  int               `mapstructure:"context_window"`
	SupportsTools  bool              `mapstructure:"supports_tools"`
	SupportsVision bool              `mapstructure:"supports_vision"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Headers        map[string]string `mapstructure:"headers"`
}

// NostrConfig configures the optional lifecycle event sink
// (internal/nostrsink). Left zero-value, the sink is disabled.
type NostrConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ReadRelays   []string `mapstructure:"read_relays"`
	WriteRelays  []string `mapstructure:"write_relays"`
	SecretKeyHex string   `mapstructure:"secret_key_hex"`
}

// IsNostrEnabled reports whether the Nostr sink should be constructed.
func (c *Config) IsNostrEnabled() bool {
	return c != nil && c.Nostr.Enabled && len(c.Nostr.WriteRelays) > 0
}
