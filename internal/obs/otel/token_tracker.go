package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Request statuses
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// UsageOptions describes one finished relay request.
type UsageOptions struct {
	// Backend is the backend variant
	Backend string

	// Model is the upstream model
	Model string

	// RequestModel is the model the client asked for
	RequestModel string

	InputTokens  int64
	OutputTokens int64

	Streamed bool

	// Status is StatusSuccess, StatusError or StatusCanceled
	Status string

	// ErrorType is the Protocol-A error type if status is not success
	ErrorType string

	Latency time.Duration
}

// TokenTracker records token usage and request metrics.
type TokenTracker struct {
	tokenUsage      metric.Int64Counter
	totalTokens     metric.Int64Counter
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestError    metric.Int64Counter
}

// NewTokenTracker creates a new TokenTracker with the provided meter.
func NewTokenTracker(meter metric.Meter) (*TokenTracker, error) {
	tt := &TokenTracker{}

	var err error

	tt.tokenUsage, err = meter.Int64Counter(
		"llm.token.usage",
		metric.WithDescription("LLM token usage by type (input/output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	tt.totalTokens, err = meter.Int64Counter(
		"llm.token.total",
		metric.WithDescription("Total LLM tokens consumed (input + output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	tt.requestCount, err = meter.Int64Counter(
		"llm.request.count",
		metric.WithDescription("Number of relayed requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	tt.requestDuration, err = meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("Relayed request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	tt.requestError, err = meter.Int64Counter(
		"llm.request.errors",
		metric.WithDescription("Number of relayed requests that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return tt, nil
}

// RecordUsage records one finished request. A nil tracker records nothing.
func (tt *TokenTracker) RecordUsage(ctx context.Context, opts UsageOptions) {
	if tt == nil {
		return
	}

	commonAttrs := []attribute.KeyValue{
		AttrBackend.String(opts.Backend),
		AttrModel.String(opts.Model),
		AttrRequestModel.String(opts.RequestModel),
		AttrStreaming.Bool(opts.Streamed),
		AttrResponseStatus.String(opts.Status),
	}
	if opts.ErrorType != "" {
		commonAttrs = append(commonAttrs, AttrErrorType.String(opts.ErrorType))
	}

	if opts.InputTokens > 0 {
		attrs := append(commonAttrs[:len(commonAttrs):len(commonAttrs)], AttrTokenType.String("input"))
		tt.tokenUsage.Add(ctx, opts.InputTokens, metric.WithAttributes(attrs...))
	}
	if opts.OutputTokens > 0 {
		attrs := append(commonAttrs[:len(commonAttrs):len(commonAttrs)], AttrTokenType.String("output"))
		tt.tokenUsage.Add(ctx, opts.OutputTokens, metric.WithAttributes(attrs...))
	}
	if total := opts.InputTokens + opts.OutputTokens; total > 0 {
		tt.totalTokens.Add(ctx, total, metric.WithAttributes(commonAttrs...))
	}

	tt.requestCount.Add(ctx, 1, metric.WithAttributes(commonAttrs...))

	if opts.Latency > 0 {
		tt.requestDuration.Record(ctx, float64(opts.Latency)/float64(time.Millisecond), metric.WithAttributes(commonAttrs...))
	}

	if opts.Status == StatusError {
		tt.requestError.Add(ctx, 1, metric.WithAttributes(commonAttrs...))
	}
}
