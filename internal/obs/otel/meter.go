package otel

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "anthropic-adapter"

// MeterSetup holds the meter provider and token tracker.
type MeterSetup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *TokenTracker
}

// NewMeterSetup creates the meter provider. When cfg is disabled the
// tracker records into a no-op meter.
func NewMeterSetup(ctx context.Context, cfg *Config, out io.Writer) (*MeterSetup, error) {
	if cfg == nil || !cfg.Enabled {
		tracker, err := NewTokenTracker(noop.NewMeterProvider().Meter(meterName))
		if err != nil {
			return nil, err
		}
		return &MeterSetup{tracker: tracker}, nil
	}

	exp, err := newExporter(ctx, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(
		exp,
		sdkmetric.WithInterval(cfg.ExportInterval),
		sdkmetric.WithTimeout(cfg.ExportTimeout),
	)
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)

	tracker, err := NewTokenTracker(meterProvider.Meter(meterName))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create token tracker: %w", err)
	}

	return &MeterSetup{
		meterProvider: meterProvider,
		tracker:       tracker,
	}, nil
}

func newExporter(ctx context.Context, cfg *Config, out io.Writer) (sdkmetric.Exporter, error) {
	if cfg.OTLPEndpoint != "" {
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpointURL(cfg.OTLPEndpoint),
			otlpmetrichttp.WithTimeout(cfg.ExportTimeout),
		)
	}
	return stdoutmetric.New(stdoutmetric.WithWriter(out))
}

// Tracker returns the token tracker.
func (ms *MeterSetup) Tracker() *TokenTracker {
	return ms.tracker
}

// Shutdown flushes and stops the meter provider.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms.meterProvider == nil {
		return nil
	}
	return ms.meterProvider.Shutdown(ctx)
}
