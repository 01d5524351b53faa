// Package config loads the server configuration: defaults, then a TOML
// file, then environment variables (env wins).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	LLM        LLMConfig        `toml:"llm"`
	Grounding  GroundingConfig  `toml:"grounding"`
	Store      StoreConfig      `toml:"store"`
	Automation AutomationConfig `toml:"automation"`
	Observer   ObserverConfig   `toml:"observer"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

// GroundingConfig names the detection model. It shares the LLM provider and
// key unless overridden.
type GroundingConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
}

type StoreConfig struct {
	// Backend selects the persistence layer: fs, sqlite, or postgres.
	Backend string `toml:"backend"`
	// Root is the session directory for the fs backend.
	Root string `toml:"root"`
	// Path is the database file for the sqlite backend.
	Path string `toml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `toml:"dsn"`
}

type AutomationConfig struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:    ServerConfig{Listen: "127.0.0.1:8321"},
		LLM:       LLMConfig{Provider: "gemini", Model: "gemini-2.5-pro"},
		Grounding: GroundingConfig{Model: "gemini-2.5-pro"},
		Store:     StoreConfig{Backend: "fs", Root: "sessions", Path: "scout.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "scout.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("SCOUT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SCOUT_GROUNDING_API_KEY"); v != "" {
		cfg.Grounding.APIKey = v
	}
	if v := os.Getenv("SCOUT_AUTOMATION_ENDPOINT"); v != "" {
		cfg.Automation.Endpoint = v
	}
	if v := os.Getenv("SCOUT_AUTOMATION_TOKEN"); v != "" {
		cfg.Automation.Token = v
	}
	if v := os.Getenv("SCOUT_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SCOUT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("SCOUT_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if os.Getenv("SCOUT_OBSERVER_ENABLED") == "true" || os.Getenv("SCOUT_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Grounding.APIKey == "" {
		cfg.Grounding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Grounding.Model == "" {
		cfg.Grounding.Model = cfg.LLM.Model
	}

	return cfg
}

// Validate checks the settings a server cannot start without.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required (or SCOUT_LLM_API_KEY)")
	}
	if c.Automation.Endpoint == "" {
		return fmt.Errorf("config: automation.endpoint is required (or SCOUT_AUTOMATION_ENDPOINT)")
	}
	switch c.Store.Backend {
	case "fs", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required for the postgres backend")
	}
	return nil
}
