package options

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/tingly-dev/anthropic-adapter/internal/config"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigFile        string
	EnvFile           string
	BaseURL           string
	APIKey            string
	Host              string
	Port              int
	ProxyURL          string
	Encoding          string
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	LogFile           string
	LogLevel          string
	Verbose           bool
	Metrics           bool
}

// AddServeFlags registers the serve flags on fs.
func AddServeFlags(fs *pflag.FlagSet, flags *ServeFlags) {
	fs.StringVarP(&flags.ConfigFile, "config", "c", "", "YAML config file (default: $"+config.EnvConfigFile+")")
	fs.StringVar(&flags.EnvFile, "env-file", config.DefaultEnvFile, "dotenv file loaded before reading the environment")
	fs.StringVar(&flags.BaseURL, "base-url", "", "Backend URL ending in /chat/completions or /responses, or an API root")
	fs.StringVar(&flags.APIKey, "api-key", "", "Backend key used when the client sends none")
	fs.StringVar(&flags.Host, "host", "", "Listen host (default: "+config.DefaultHost+")")
	fs.IntVarP(&flags.Port, "port", "p", 0, "Listen port (default: 8000)")
	fs.StringVar(&flags.ProxyURL, "proxy", "", "Upstream proxy URL (http, https or socks5)")
	fs.StringVar(&flags.Encoding, "encoding", "", "Tokenizer encoding (default: cl100k_base)")
	fs.DurationVar(&flags.RequestTimeout, "timeout", 0, "Upstream request timeout (default: 60s)")
	fs.DurationVar(&flags.StreamIdleTimeout, "stream-idle-timeout", 0, "Maximum gap between upstream stream events (default: 60s)")
	fs.StringVar(&flags.LogFile, "log-file", "", "Also write logs to this file, with rotation")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.BoolVar(&flags.Metrics, "metrics", false, "Print token usage metrics to stdout periodically")
}

// Overrides returns a function applying the flags set on fs to a Config.
// Flags left at their defaults never override file or environment values.
func Overrides(fs *pflag.FlagSet, flags *ServeFlags) func(*config.Config) {
	return func(cfg *config.Config) {
		fs.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "base-url":
				cfg.BaseURL = flags.BaseURL
			case "api-key":
				cfg.APIKey = flags.APIKey
			case "host":
				cfg.Host = flags.Host
			case "port":
				cfg.Port = flags.Port
			case "proxy":
				cfg.ProxyURL = flags.ProxyURL
			case "encoding":
				cfg.TokenizerEncoding = flags.Encoding
			case "timeout":
				cfg.RequestTimeout = flags.RequestTimeout
			case "stream-idle-timeout":
				cfg.StreamIdleTimeout = flags.StreamIdleTimeout
			case "log-file":
				cfg.Log.File = flags.LogFile
			case "log-level":
				cfg.Log.Level = flags.LogLevel
			case "metrics":
				cfg.Metrics.Enabled = flags.Metrics
			}
		})
	}
}
