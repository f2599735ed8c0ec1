// Package config defines the adapter's YAML configuration and the
// loaders for the JSON data files (upstream credentials, model map,
// client API keys).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the tenbin2api server.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// LoggingFile enables rotated file logging when non-empty.
	LoggingFile string `yaml:"logging-file,omitempty"`

	// AccountsFile holds the upstream credentials (tenbin.json).
	AccountsFile string `yaml:"accounts-file"`

	// ModelsFile maps public model names to upstream model ids (models.json).
	ModelsFile string `yaml:"models-file"`

	// ClientKeysFile lists the bearer keys accepted from clients
	// (client_api_keys.json).
	ClientKeysFile string `yaml:"client-keys-file"`

	// ThinkingModels lists model names whose token stream interleaves
	// reasoning and answer text behind a fixed separator.
	ThinkingModels []string `yaml:"thinking-models,omitempty"`

	// RequestTimeout bounds each upstream network call.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// ProxyURL routes upstream traffic through a SOCKS5 proxy when set.
	ProxyURL string `yaml:"proxy-url,omitempty"`

	Upstream Upstream    `yaml:"upstream"`
	Solver   Solver      `yaml:"solver"`
	Pool     PoolConfig  `yaml:"pool"`
	Usage    UsageConfig `yaml:"usage,omitempty"`
}

// Upstream describes the tenbin GraphQL endpoints and the browser
// profile sent with every upstream exchange.
type Upstream struct {
	// GraphQLURL is the HTTP endpoint used for execution-token issuance.
	GraphQLURL string `yaml:"graphql-url"`

	// WebsocketURL is the graphql-transport-ws subscription endpoint.
	WebsocketURL string `yaml:"websocket-url"`

	// Origin is sent on the websocket handshake.
	Origin string `yaml:"origin"`

	// UserAgent is sent on every upstream request.
	UserAgent string `yaml:"user-agent,omitempty"`
}

// Solver describes the external challenge-solve service.
type Solver struct {
	// BaseURL is the root of the solver's two-endpoint HTTP interface.
	BaseURL string `yaml:"base-url"`

	// PageURL, SiteKey and Action parameterize the turnstile task.
	PageURL string `yaml:"page-url"`
	SiteKey string `yaml:"site-key"`
	Action  string `yaml:"action"`

	// PollInterval is the fixed backoff between result polls.
	PollInterval time.Duration `yaml:"poll-interval"`

	// RatePerSecond throttles task issuance toward the solver.
	RatePerSecond float64 `yaml:"rate-per-second"`
}

// PoolConfig tunes account failover behavior.
type PoolConfig struct {
	// MaxErrors is the consecutive-failure count that sidelines an
	// account until the cooldown elapses.
	MaxErrors int `yaml:"max-errors"`

	// Cooldown is how long a sidelined account rests before its error
	// count self-heals.
	Cooldown time.Duration `yaml:"cooldown"`
}

// UsageConfig enables the optional usage-accounting backend.
type UsageConfig struct {
	// DSN selects the backend: sqlite://path or postgres://...
	// Empty disables accounting.
	DSN string `yaml:"dsn,omitempty"`

	BatchSize     int           `yaml:"batch-size,omitempty"`
	FlushInterval time.Duration `yaml:"flush-interval,omitempty"`
	RetentionDays int           `yaml:"retention-days,omitempty"`
}

// NewDefaultConfig returns the configuration used when no config file
// exists. Endpoint constants match the captured browser traffic.
func NewDefaultConfig() *Config {
	return &Config{
		Port:           8401,
		AccountsFile:   "tenbin.json",
		ModelsFile:     "models.json",
		ClientKeysFile: "client_api_keys.json",
		ThinkingModels: []string{
			"Claude-3.7-Sonnet-Extended",
			"claude-3.7-sonnet-extended",
		},
		RequestTimeout: 120 * time.Second,
		Upstream: Upstream{
			GraphQLURL:   "https://graphql.tenbin.ai/graphql",
			WebsocketURL: "wss://graphql.tenbin.ai/graphql",
			Origin:       "https://tenbin.ai",
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36",
		},
		Solver: Solver{
			BaseURL:       "http://127.0.0.1:5000",
			PageURL:       "https://tenbin.ai/workspace",
			SiteKey:       "0x4AAAAAABGR2exxRproizri",
			Action:        "issue_execution_token",
			PollInterval:  time.Second,
			RatePerSecond: 2,
		},
		Pool: PoolConfig{
			MaxErrors: 3,
			Cooldown:  5 * time.Minute,
		},
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but treats a missing file
// as "use defaults" instead of an error.
func LoadConfigOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewDefaultConfig(), nil
	}
	return LoadConfig(path)
}

// ApplyEnvOverrides lets environment variables win over file values.
// Recognized: PORT, TENBIN_PROXY_URL, USAGE_DSN, SOLVER_URL.
func (cfg *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("TENBIN_PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if v := os.Getenv("USAGE_DSN"); v != "" {
		cfg.Usage.DSN = v
	}
	if v := os.Getenv("SOLVER_URL"); v != "" {
		cfg.Solver.BaseURL = v
	}
}
