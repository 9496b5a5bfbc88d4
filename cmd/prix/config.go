package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/prix/releve"
)

// Config is the full binary configuration. Environment variables give the
// baseline; an optional YAML file overlays individual fields on top.
type Config struct {
	Port     string `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// MCPTransport enables the MCP tool surface: "" (off) or "stdio".
	MCPTransport string `yaml:"mcp_transport"`

	Pagefetch PagefetchConfig `yaml:"pagefetch"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Rate      RateConfig      `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// PagefetchConfig points at the page acquisition provider.
type PagefetchConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// GeminiConfig configures the extraction model.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// JobsConfig tunes the background runner.
type JobsConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RateConfig bounds external calls per user and provider.
type RateConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

// AuditConfig tunes the request log.
type AuditConfig struct {
	Buffer        int `yaml:"buffer"`
	RetentionDays int `yaml:"retention_days"`
}

// DiscoveryConfig exposes the discovery thresholds. Zero fields fall back
// to the releve defaults.
type DiscoveryConfig struct {
	Tier2MinResults int     `yaml:"tier2_min_results"`
	Tier3MinResults int     `yaml:"tier3_min_results"`
	MaxCandidates   int     `yaml:"max_candidates"`
	LocalMin        int     `yaml:"local_min"`
	NationalExtra   int     `yaml:"national_extra"`
	PriceTolerance  float64 `yaml:"price_tolerance"`
	SearchLimit     int     `yaml:"search_limit"`
	AgentMaxSteps   int     `yaml:"agent_max_steps"`
	LearnedPriority int     `yaml:"learned_priority"`
	Currency        string  `yaml:"currency"`
}

// loadConfig builds the configuration from the environment, then overlays
// the YAML file at path if one was given. Keys absent from the file keep
// their environment-derived values.
func loadConfig(path string) (*Config, error) {
	cfg := configFromEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func configFromEnv() *Config {
	return &Config{
		Port:         env("PORT", "8090"),
		DBPath:       env("DB_PATH", "db/prix.db"),
		LogLevel:     env("LOG_LEVEL", "info"),
		MCPTransport: env("MCP_TRANSPORT", ""),
		Pagefetch: PagefetchConfig{
			BaseURL: env("PAGEFETCH_URL", ""),
			APIKey:  env("PAGEFETCH_API_KEY", ""),
		},
		Gemini: GeminiConfig{
			APIKey: env("GEMINI_API_KEY", ""),
			Model:  env("GEMINI_MODEL", ""),
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8090"
	}
	if c.DBPath == "" {
		c.DBPath = "db/prix.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = 500 * time.Millisecond
	}
	if c.Jobs.Timeout <= 0 {
		c.Jobs.Timeout = 5 * time.Minute
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.RetryBackoff <= 0 {
		c.Jobs.RetryBackoff = 30 * time.Second
	}
	if c.Rate.MaxCalls <= 0 {
		c.Rate.MaxCalls = 60
	}
	if c.Rate.Window <= 0 {
		c.Rate.Window = time.Minute
	}
	if c.Audit.Buffer <= 0 {
		c.Audit.Buffer = 256
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 30
	}
}

// releveConfig maps the discovery section onto the service configuration.
func (c *Config) releveConfig() releve.Config {
	return releve.Config{
		Tier2MinResults: c.Discovery.Tier2MinResults,
		Tier3MinResults: c.Discovery.Tier3MinResults,
		MaxCandidates:   c.Discovery.MaxCandidates,
		LocalMin:        c.Discovery.LocalMin,
		NationalExtra:   c.Discovery.NationalExtra,
		PriceTolerance:  c.Discovery.PriceTolerance,
		SearchLimit:     c.Discovery.SearchLimit,
		AgentMaxSteps:   c.Discovery.AgentMaxSteps,
		LearnedPriority: c.Discovery.LearnedPriority,
		Currency:        c.Discovery.Currency,
	}
}
