// Package backend selects how Protocol-A requests are spoken to the
// configured upstream: chat-completions or responses.
package backend

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/request"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/stream"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

const (
	chatCompletionsPath = "/chat/completions"
	responsesPath       = "/responses"
)

// Adapter is the capability set of one backend variant. It is chosen once
// per configuration load and shared by all requests.
type Adapter interface {
	// Variant names the backend shape.
	Variant() protocol.Variant
	// Endpoint is the absolute URL requests are posted to.
	Endpoint() string
	// TranslateRequest builds the outbound body.
	TranslateRequest(req *protocol.MessagesRequest, tc *protocol.TranslationContext) ([]byte, error)
	// TranslateResponse maps a complete backend body to a Protocol-A message.
	TranslateResponse(body []byte, tc *protocol.TranslationContext) (*protocol.MessageResponse, error)
	// NewStreamReconstructor returns a fresh per-request reconstructor.
	NewStreamReconstructor(tc *protocol.TranslationContext) stream.Reconstructor
}

// ResolveEndpoint decides the variant from the URL path. A path ending in
// /responses selects the responses variant; a path ending in
// /chat/completions selects chat-completions; anything else is treated as
// an API root and gets /chat/completions appended.
func ResolveEndpoint(baseURL string) (string, protocol.Variant, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", "", fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid base url %q: missing host", baseURL)
	}

	path := strings.TrimRight(u.Path, "/")
	switch {
	case strings.HasSuffix(path, responsesPath):
		u.Path = path
		return u.String(), protocol.VariantResponses, nil
	case strings.HasSuffix(path, chatCompletionsPath):
		u.Path = path
		return u.String(), protocol.VariantChatCompletions, nil
	default:
		u.Path = path + chatCompletionsPath
		return u.String(), protocol.VariantChatCompletions, nil
	}
}

// Select resolves baseURL and returns the matching adapter.
func Select(baseURL string, counter *token.Counter, opts request.Options) (Adapter, error) {
	endpoint, variant, err := ResolveEndpoint(baseURL)
	if err != nil {
		return nil, err
	}
	switch variant {
	case protocol.VariantResponses:
		return &responsesAdapter{endpoint: endpoint, counter: counter, opts: opts}, nil
	default:
		return &chatAdapter{endpoint: endpoint, counter: counter, opts: opts}, nil
	}
}

// estimateOutput fills in output usage for backends that omit it.
func estimateOutput(msg *protocol.MessageResponse, counter *token.Counter) {
	if msg.Usage.OutputTokens > 0 || counter == nil {
		return
	}
	var n int
	for _, b := range msg.Content {
		switch b.Type {
		case protocol.BlockTypeText:
			n += counter.CountText(b.Text)
		case protocol.BlockTypeThinking:
			n += counter.CountText(b.Thinking)
		case protocol.BlockTypeToolUse:
			n += counter.CountText(b.Name) + counter.CountText(string(b.Input))
		}
	}
	msg.Usage.OutputTokens = int64(n)
}
