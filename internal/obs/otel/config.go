package otel

import "time"

// Config holds the configuration for the meter setup.
type Config struct {
	// Enabled turns on periodic export to the configured writer
	Enabled bool

	// ExportInterval is the time between exports. Default: 60s
	ExportInterval time.Duration

	// ExportTimeout is the timeout for each export. Default: 30s
	ExportTimeout time.Duration

	// OTLPEndpoint is an optional OTLP/HTTP endpoint URL. When set, metrics
	// are pushed there instead of the writer.
	OTLPEndpoint string
}

// DefaultConfig returns a disabled config with default intervals.
func DefaultConfig() *Config {
	return &Config{
		ExportInterval: 60 * time.Second,
		ExportTimeout:  30 * time.Second,
	}
}
