// WHAT: config defaults, YAML merge and validation failures.
// WHY: a config typo should fail at startup with a named field, not
// surface later as a missing rate or a dead listener.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadConfigMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: ":9001"
exchange_rates:
  eur: 0.95
embedder:
  model: text-embedding-3-small
  dimension: 1536
mcp:
  enabled: true
  listen: ":9443"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9001" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.DBPath != "data/gemdesk.db" {
		t.Errorf("db_path default lost: %q", cfg.DBPath)
	}
	if cfg.Embedder.Dimension != 1536 {
		t.Errorf("dimension = %d", cfg.Embedder.Dimension)
	}
	if !cfg.MCP.Enabled || cfg.MCP.Listen != ":9443" {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"zero exchange rate", func(c *Config) { c.ExchangeRates["EUR"] = 0 }},
		{"mcp enabled without listen", func(c *Config) { c.MCP.Enabled = true; c.MCP.Listen = "" }},
		{"cert without key", func(c *Config) { c.MCP.CertFile = "cert.pem" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GEMDESK_LISTEN", ":7000")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "explicit"
	applyEnv(cfg)

	if cfg.Listen != ":7000" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Embedder.APIKey != "sk-test" {
		t.Errorf("embedder key = %q", cfg.Embedder.APIKey)
	}
	// An explicit config key wins over the environment.
	if cfg.LLM.APIKey != "explicit" {
		t.Errorf("llm key = %q", cfg.LLM.APIKey)
	}
}
