package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gemdesk/gemdesk/assist"
	"github.com/gemdesk/gemdesk/assist/ingest"
	"github.com/gemdesk/gemdesk/embedder"
	"github.com/gemdesk/gemdesk/llmbridge"
)

// Config holds the full gemdesk server configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"` // debug | info | warn | error

	// ExchangeRates maps currency code to units per USD, used for display
	// price conversion. USD is implicit at 1.0.
	ExchangeRates map[string]float64 `yaml:"exchange_rates"`

	Embedder embedder.Config  `yaml:"embedder"`
	LLM      llmbridge.Config `yaml:"llm"`
	Assist   assist.Config    `yaml:"assist"`
	Ingest   ingest.Config    `yaml:"ingest"`
	MCP      MCPConfig        `yaml:"mcp"`
}

// MCPConfig configures the optional MCP-over-QUIC listener. With no cert
// pair the listener falls back to an ephemeral self-signed certificate,
// for development only.
type MCPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DefaultConfig returns sane defaults. API keys come from config or the
// OPENAI_API_KEY environment variable, never from defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8090",
		DBPath:   "data/gemdesk.db",
		LogLevel: "info",
		ExchangeRates: map[string]float64{
			"EUR": 0.92,
			"GBP": 0.79,
			"CNY": 7.1,
			"JPY": 149.0,
		},
		MCP: MCPConfig{
			Enabled: false,
			Listen:  ":8443",
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q", c.LogLevel)
	}
	for code, rate := range c.ExchangeRates {
		if rate <= 0 {
			return fmt.Errorf("exchange_rates[%s] must be > 0", code)
		}
	}
	if c.MCP.Enabled && c.MCP.Listen == "" {
		return fmt.Errorf("mcp.listen is required when mcp.enabled")
	}
	if (c.MCP.CertFile == "") != (c.MCP.KeyFile == "") {
		return fmt.Errorf("mcp.cert_file and mcp.key_file must be set together")
	}
	return nil
}
