package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Loop       LoopConfig       `toml:"loop"`
	Provider   ProviderConfig   `toml:"provider"`
	Transcript TranscriptConfig `toml:"transcript"`
	Observer   ObserverConfig   `toml:"observer"`
}

type LoopConfig struct {
	ThreadID       string `toml:"thread_id"`
	MaxTurns       int    `toml:"max_turns"`
	InputCapacity  int    `toml:"input_capacity"`
	OutputCapacity int    `toml:"output_capacity"`
}

type ProviderConfig struct {
	// Kind selects the adapter: "openai" or "cli".
	Kind        string  `toml:"kind"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	BaseURL     string  `toml:"base_url"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
	// Bin and Args apply to the "cli" kind.
	Bin  string   `toml:"bin"`
	Args []string `toml:"args"`
}

type TranscriptConfig struct {
	// Backend selects the recorder: "sqlite", "postgres", or "" (none).
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Loop:       LoopConfig{MaxTurns: 50, InputCapacity: 100, OutputCapacity: 1000},
		Provider:   ProviderConfig{Kind: "openai", Model: "gpt-4o-mini"},
		Transcript: TranscriptConfig{Backend: "sqlite", Path: "tandem.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "tandem.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("TANDEM_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("TANDEM_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("TANDEM_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("TANDEM_THREAD_ID"); v != "" {
		cfg.Loop.ThreadID = v
	}
	if v := os.Getenv("TANDEM_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Loop.MaxTurns = n
		}
	}
	if v := os.Getenv("TANDEM_POSTGRES_URL"); v != "" {
		cfg.Transcript.Backend = "postgres"
		cfg.Transcript.PostgresURL = v
	}
	if os.Getenv("TANDEM_OBSERVER_ENABLED") == "true" || os.Getenv("TANDEM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
