// Package llmclient posts translated requests to the upstream backend.
package llmclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/anthropic-adapter/internal/llmclient/httpclient"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/nonstream"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultIdleTimeout = 60 * time.Second

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 1 << 20
)

// Options configures the upstream client.
type Options struct {
	// Timeout bounds a non-streaming call, and the wait for response
	// headers of a streaming call.
	Timeout time.Duration
	// IdleTimeout bounds the gap between two events of a stream.
	IdleTimeout time.Duration
	ProxyURL    string
	UserAgent   string
}

// Client issues requests to one backend. It performs no retries.
type Client struct {
	http        *http.Client
	timeout     time.Duration
	idleTimeout time.Duration
	userAgent   string
}

// New creates a client. Zero durations take the defaults.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "anthropic-adapter"
	}
	if opts.ProxyURL != "" {
		logrus.Infof("Using proxy for upstream requests: %s", opts.ProxyURL)
	}

	transport := httpclient.WithHooks(
		NewLoggingRoundTripper(httpclient.NewTransport(opts.ProxyURL)),
		httpclient.ForwardCredential(),
	)
	return &Client{
		http:        &http.Client{Transport: transport},
		timeout:     opts.Timeout,
		idleTimeout: opts.IdleTimeout,
		userAgent:   opts.UserAgent,
	}
}

func (c *Client) newRequest(ctx context.Context, endpoint, apiKey string, body []byte, stream bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(httpclient.WithCredential(ctx, apiKey), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// Post sends a non-streaming request and returns the response body.
// Non-2xx statuses come back as *protocol.UpstreamError.
func (c *Client) Post(ctx context.Context, endpoint, apiKey string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, endpoint, apiKey, body, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err, c.timeout)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, err, c.timeout)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nonstream.ParseUpstreamError(resp.StatusCode, data)
	}
	return data, nil
}

// Stream sends a streaming request and returns a decoder over the event
// feed. The returned decoder aborts the upstream request when closed, when
// ctx is cancelled, or when no event arrives within the idle timeout; in
// the last case Err reports the stall. The caller must Close it.
func (c *Client) Stream(ctx context.Context, endpoint, apiKey string, body []byte) (ssestream.Decoder, error) {
	ctx, cancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(c.timeout, cancel)

	req, err := c.newRequest(ctx, endpoint, apiKey, body, true)
	if err != nil {
		headerTimer.Stop()
		cancel()
		return nil, err
	}
	resp, err := c.http.Do(req)
	headerTimer.Stop()
	if err != nil {
		cancel()
		return nil, transportError(ctx, err, c.timeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, nonstream.ParseUpstreamError(resp.StatusCode, data)
	}

	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		// a JSON body on a stream request is an error envelope or a
		// backend that ignored stream=true
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err := nonstream.CheckErrorEnvelope(data); err != nil {
			return nil, err
		}
		return nil, &protocol.TranslationError{Reason: "backend answered a stream request with a JSON body"}
	}

	return newIdleDecoder(ssestream.NewDecoder(resp), c.idleTimeout, cancel), nil
}

// transportError distinguishes timeouts from other transport failures.
func transportError(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &protocol.UpstreamError{
			StatusCode: http.StatusGatewayTimeout,
			Message:    fmt.Sprintf("upstream did not respond within %s", timeout),
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &protocol.UpstreamError{
		StatusCode: http.StatusBadGateway,
		Message:    fmt.Sprintf("upstream request failed: %v", err),
	}
}
