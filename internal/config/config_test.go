package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Provider.Kind != "openai" {
		t.Errorf("expected openai, got %s", cfg.Provider.Kind)
	}
	if cfg.Loop.MaxTurns != 50 {
		t.Errorf("expected 50 turns, got %d", cfg.Loop.MaxTurns)
	}
	if cfg.Loop.OutputCapacity != 1000 {
		t.Errorf("expected 1000, got %d", cfg.Loop.OutputCapacity)
	}
	if cfg.Transcript.Backend != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Transcript.Backend)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[provider]
kind = "cli"
bin = "/usr/local/bin/agent"
args = ["--json"]

[loop]
max_turns = 12
`), 0644)

	cfg := Load(path)
	if cfg.Provider.Kind != "cli" {
		t.Errorf("expected cli, got %s", cfg.Provider.Kind)
	}
	if cfg.Provider.Bin != "/usr/local/bin/agent" {
		t.Errorf("expected bin path, got %s", cfg.Provider.Bin)
	}
	if cfg.Loop.MaxTurns != 12 {
		t.Errorf("expected 12 turns, got %d", cfg.Loop.MaxTurns)
	}
	// Defaults preserved
	if cfg.Loop.InputCapacity != 100 {
		t.Errorf("default should be preserved, got %d", cfg.Loop.InputCapacity)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TANDEM_API_KEY", "env-key")
	t.Setenv("TANDEM_MODEL", "env-model")
	t.Setenv("TANDEM_MAX_TURNS", "7")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Provider.APIKey)
	}
	if cfg.Provider.Model != "env-model" {
		t.Errorf("expected env-model, got %s", cfg.Provider.Model)
	}
	if cfg.Loop.MaxTurns != 7 {
		t.Errorf("expected 7 turns, got %d", cfg.Loop.MaxTurns)
	}
}

func TestPostgresEnvSwitchesBackend(t *testing.T) {
	t.Setenv("TANDEM_POSTGRES_URL", "postgres://localhost/tandem")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Transcript.Backend != "postgres" {
		t.Errorf("expected postgres backend, got %s", cfg.Transcript.Backend)
	}
	if cfg.Transcript.PostgresURL != "postgres://localhost/tandem" {
		t.Errorf("expected url, got %s", cfg.Transcript.PostgresURL)
	}
}
