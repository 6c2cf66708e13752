package obs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures the process logger.
type LogOptions struct {
	Level string
	// Verbose forces trace level, which also logs upstream bodies.
	Verbose bool

	// File enables a rotated log file next to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetupLogging configures the standard logrus logger. The returned closer
// releases the log file and is a no-op without one.
func SetupLogging(opts LogOptions) (io.Closer, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	if opts.Verbose {
		level = logrus.TraceLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if opts.File == "" {
		logrus.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := NewRotatingFile(opts)
	logrus.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator, nil
}

// NewRotatingFile returns a lumberjack logger for opts.File.
func NewRotatingFile(opts LogOptions) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
