package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/anthropic-adapter/internal/command/options"
	"github.com/tingly-dev/anthropic-adapter/internal/config"
	"github.com/tingly-dev/anthropic-adapter/internal/obs"
	"github.com/tingly-dev/anthropic-adapter/internal/obs/otel"
	"github.com/tingly-dev/anthropic-adapter/internal/server"
	"github.com/tingly-dev/anthropic-adapter/internal/server/middleware"
)

const metricsShutdownTimeout = 5 * time.Second

// ServeCommand runs the HTTP server until interrupted.
func ServeCommand(info BuildInfo) *cobra.Command {
	var flags options.ServeFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the adapter server",
		Long: `Start the adapter server. Configuration is read from defaults, an optional
YAML file, a .env file, the environment and finally the flags given here.
When a YAML file is used it is watched and reloaded on change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Verbose, _ = cmd.Flags().GetBool("verbose")
			return runServe(cmd.Context(), cmd, &flags, info)
		},
	}
	options.AddServeFlags(cmd.Flags(), &flags)
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, flags *options.ServeFlags, info BuildInfo) error {
	if ctx == nil {
		ctx = context.Background()
	}

	configFile := flags.ConfigFile
	if configFile == "" {
		configFile = os.Getenv(config.EnvConfigFile)
	}
	loader := config.Loader{
		ConfigFile: configFile,
		EnvFile:    flags.EnvFile,
		Overrides:  options.Overrides(cmd.Flags(), flags),
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logCloser, err := obs.SetupLogging(obs.LogOptions{
		Level:      cfg.Log.Level,
		Verbose:    flags.Verbose,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	snap, err := config.NewSnapshot(cfg)
	if err != nil {
		return err
	}
	store := config.NewStore(snap)

	if cfg.ConfigFile != "" {
		watcher, err := config.NewWatcher(loader, store)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			logrus.Warnf("Config hot reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	meters, err := otel.NewMeterSetup(ctx, &otel.Config{
		Enabled:        cfg.Metrics.Enabled,
		ExportInterval: cfg.Metrics.Interval,
		ExportTimeout:  30 * time.Second,
		OTLPEndpoint:   cfg.Metrics.OTLPEndpoint,
	}, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := meters.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("Failed to flush metrics: %v", err)
		}
	}()

	serverOpts := []server.ServerOption{
		server.WithTracker(meters.Tracker()),
		server.WithVersion(info.Version),
	}
	if cfg.Log.ErrorFile != "" {
		errorLog, closer, err := newErrorLog(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()
		serverOpts = append(serverOpts, server.WithErrorLog(errorLog))
	}

	srv := server.NewServer(store, serverOpts...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, cfg.Addr()); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func newErrorLog(cfg config.LogConfig) (*middleware.ErrorLogMiddleware, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.ErrorFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create error log directory: %w", err)
	}
	file := obs.NewRotatingFile(obs.LogOptions{
		File:       cfg.ErrorFile,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	mw, err := middleware.NewErrorLogMiddleware(file, cfg.ErrorFilter)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return mw, file, nil
}
