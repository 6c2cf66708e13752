// Package config loads the adapter configuration and publishes immutable
// snapshots of it to request handlers.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gobwas/glob"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tingly-dev/anthropic-adapter/internal/backend"
	"github.com/tingly-dev/anthropic-adapter/internal/llmclient/httpclient"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

// Defaults
const (
	DefaultBaseURL           = "https://api.openai.com/v1/chat/completions"
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8000
	DefaultRequestTimeout    = 60 * time.Second
	DefaultStreamIdleTimeout = 60 * time.Second
	DefaultMetricsInterval   = 60 * time.Second
	DefaultEnvFile           = ".env"
)

// Environment variables read on top of the config file
const (
	EnvBaseURL    = "OPENAI_BASE_URL"
	EnvAPIKey     = "OPENAI_API_KEY"
	EnvEncoding   = "TIKTOKEN_ENCODING"
	EnvHost       = "HOST"
	EnvPort       = "PORT"
	EnvProxyURL   = "ADAPTER_PROXY_URL"
	EnvLogLevel   = "ADAPTER_LOG_LEVEL"
	EnvConfigFile = "ADAPTER_CONFIG"
)

// ModelRule rewrites inbound model names matching a glob pattern.
type ModelRule struct {
	Match  string `yaml:"match"`
	Target string `yaml:"target"`
}

// LogConfig controls log level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`

	// ErrorFile receives JSON lines of exchanges selected by ErrorFilter.
	ErrorFile   string `yaml:"error_file"`
	ErrorFilter string `yaml:"error_filter"`
}

// MetricsConfig controls the token and request metrics exporter.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// OTLPEndpoint pushes metrics over OTLP/HTTP instead of printing them.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Config is the full adapter configuration.
type Config struct {
	BaseURL           string         `yaml:"base_url"`
	APIKey            string         `yaml:"api_key"`
	Host              string         `yaml:"host"`
	Port              int            `yaml:"port"`
	TokenizerEncoding string         `yaml:"tokenizer_encoding"`
	RequestTimeout    time.Duration  `yaml:"request_timeout"`
	StreamIdleTimeout time.Duration  `yaml:"stream_idle_timeout"`
	ProxyURL          string         `yaml:"proxy_url"`
	IncludeUsage      bool           `yaml:"include_usage"`
	AssistantPrefill  bool           `yaml:"assistant_prefill"`
	ExtraBody         map[string]any `yaml:"extra_body"`
	Models            []ModelRule    `yaml:"models"`
	Log               LogConfig      `yaml:"log"`
	Metrics           MetricsConfig  `yaml:"metrics"`

	// ConfigFile is the YAML file this config was read from, if any.
	ConfigFile string `yaml:"-"`
}

// Default returns a config holding only default values.
func Default() *Config {
	return &Config{
		BaseURL:           DefaultBaseURL,
		Host:              DefaultHost,
		Port:              DefaultPort,
		TokenizerEncoding: token.DefaultEncoding,
		RequestTimeout:    DefaultRequestTimeout,
		StreamIdleTimeout: DefaultStreamIdleTimeout,
		IncludeUsage:      true,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{Interval: DefaultMetricsInterval},
	}
}

// Loader reads a Config from its sources. Later sources win: defaults,
// the YAML file, the .env file, the process environment, then Overrides.
type Loader struct {
	// ConfigFile is optional; a missing file is an error only when set.
	ConfigFile string
	// EnvFile defaults to .env in the working directory and may be absent.
	EnvFile string
	// Overrides applies command-line flags.
	Overrides func(*Config)
}

// Load builds and validates a Config.
func (l Loader) Load() (*Config, error) {
	cfg := Default()

	if l.ConfigFile != "" {
		data, err := os.ReadFile(l.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", l.ConfigFile, err)
		}
		cfg.ConfigFile = l.ConfigFile
	}

	envFile := l.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	// godotenv never overrides variables already set in the environment
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("Failed to load %s: %v", envFile, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if l.Overrides != nil {
		l.Overrides(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(EnvEncoding); v != "" {
		cfg.TokenizerEncoding = v
	}
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv(EnvProxyURL); v != "" {
		cfg.ProxyURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate rejects configurations the adapter cannot serve with.
func (c *Config) Validate() error {
	if _, _, err := backend.ResolveEndpoint(c.BaseURL); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.StreamIdleTimeout < 0 {
		return fmt.Errorf("stream_idle_timeout must not be negative")
	}
	if err := httpclient.ValidateProxyURL(c.ProxyURL); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Metrics.OTLPEndpoint != "" {
		u, err := url.Parse(c.Metrics.OTLPEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid metrics.otlp_endpoint %q", c.Metrics.OTLPEndpoint)
		}
	}
	for i, rule := range c.Models {
		if rule.Match == "" || rule.Target == "" {
			return fmt.Errorf("models[%d]: match and target are required", i)
		}
		if _, err := glob.Compile(rule.Match); err != nil {
			return fmt.Errorf("models[%d]: invalid pattern %q: %w", i, rule.Match, err)
		}
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
