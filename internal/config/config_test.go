package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Server.Listen != "127.0.0.1:8321" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Store.Backend != "fs" {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scout.toml")
	data := `
[server]
listen = "0.0.0.0:9000"

[llm]
api_key = "file-key"
model = "gemini-2.5-flash"

[grounding]
model = "gemini-2.5-pro"

[store]
backend = "sqlite"
path = "data/scout.db"

[automation]
endpoint = "http://machine:7000/action"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" || cfg.Grounding.Model != "gemini-2.5-pro" {
		t.Errorf("models = %q / %q", cfg.LLM.Model, cfg.Grounding.Model)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "data/scout.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCOUT_LLM_API_KEY", "env-key")
	t.Setenv("SCOUT_AUTOMATION_ENDPOINT", "http://env:7000")
	t.Setenv("SCOUT_LISTEN", "127.0.0.1:1234")

	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
	if cfg.Automation.Endpoint != "http://env:7000" {
		t.Errorf("endpoint = %q", cfg.Automation.Endpoint)
	}
	if cfg.Server.Listen != "127.0.0.1:1234" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
}

func TestGroundingFallsBackToLLM(t *testing.T) {
	t.Setenv("SCOUT_LLM_API_KEY", "shared-key")
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Grounding.APIKey != "shared-key" {
		t.Errorf("grounding key = %q, want the llm key", cfg.Grounding.APIKey)
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.LLM.APIKey = "k"
	base.Automation.Endpoint = "http://x"

	if err := base.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	noKey := base
	noKey.LLM.APIKey = ""
	if err := noKey.Validate(); err == nil {
		t.Error("missing api key accepted")
	}

	noEndpoint := base
	noEndpoint.Automation.Endpoint = ""
	if err := noEndpoint.Validate(); err == nil {
		t.Error("missing endpoint accepted")
	}

	badBackend := base
	badBackend.Store.Backend = "redis"
	if err := badBackend.Validate(); err == nil {
		t.Error("unknown backend accepted")
	}

	pg := base
	pg.Store.Backend = "postgres"
	if err := pg.Validate(); err == nil {
		t.Error("postgres without dsn accepted")
	}
	pg.Store.DSN = "postgres://localhost/scout"
	if err := pg.Validate(); err != nil {
		t.Errorf("postgres with dsn rejected: %v", err)
	}
}
