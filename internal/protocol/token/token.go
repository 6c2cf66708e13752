package token

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// DefaultEncoding is used when no encoding is configured or the configured
// one is unknown.
const DefaultEncoding = string(tokenizer.Cl100kBase)

const (
	// messageOverhead follows the chat-completions accounting convention of
	// three formatting tokens per message.
	messageOverhead = 3
	// replyPriming accounts for the assistant header every reply is primed with.
	replyPriming = 3
	// ImageTokens is a flat surcharge per image. Exact image cost depends on
	// the backend's resize policy and is not observable before the call; 85 is
	// the low-detail base cost of OpenAI vision models.
	ImageTokens = 85
)

// Counter estimates token usage with a byte-pair-encoding vocabulary. It is
// read-only after construction and safe to share between requests.
type Counter struct {
	codec    tokenizer.Codec
	encoding string
}

// NewCounter loads the named vocabulary, falling back to DefaultEncoding.
func NewCounter(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		logrus.Warnf("Unknown tokenizer encoding %q (%v), falling back to %s", encoding, err, DefaultEncoding)
		encoding = DefaultEncoding
		enc, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, fmt.Errorf("failed to get tokenizer: %w", err)
		}
	}
	return &Counter{codec: enc, encoding: encoding}, nil
}

// Encoding returns the vocabulary name in use.
func (c *Counter) Encoding() string {
	return c.encoding
}

// CountText counts tokens of a single text span, with a character/4 fallback
// if the encoder rejects the input.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountRequest estimates the input tokens of a count_tokens body.
func (c *Counter) CountRequest(req *protocol.CountTokensRequest) int {
	return c.CountMessages(req.System.Text(), req.Messages, req.Tools)
}

// CountMessagesRequest estimates the input tokens of a messages body.
func (c *Counter) CountMessagesRequest(req *protocol.MessagesRequest) int {
	return c.CountMessages(req.System.Text(), req.Messages, req.Tools)
}

// CountMessages estimates the prompt size of a conversation: every text span
// is encoded, each message pays a fixed formatting overhead, each image a
// flat surcharge, and tool declarations are counted as their JSON form.
func (c *Counter) CountMessages(system string, messages []protocol.Message, tools []protocol.Tool) int {
	total := 0

	if system != "" {
		total += messageOverhead + c.CountText(system)
	}

	for _, msg := range messages {
		total += messageOverhead
		for _, block := range msg.Content {
			total += c.countBlock(block)
		}
	}

	total += replyPriming

	if len(tools) > 0 {
		if data, err := json.Marshal(tools); err == nil {
			total += c.CountText(string(data))
		}
	}

	return total
}

func (c *Counter) countBlock(block protocol.ContentBlock) int {
	switch block.Type {
	case protocol.BlockTypeText:
		return c.CountText(block.Text)
	case protocol.BlockTypeImage:
		return ImageTokens
	case protocol.BlockTypeToolUse:
		n := c.CountText(block.Name)
		if in := compactJSON(block.Input); in != "" {
			n += c.CountText(in)
		}
		return n
	case protocol.BlockTypeToolResult:
		// tool results travel as their own message upstream
		n := messageOverhead
		for _, inner := range block.Content {
			n += c.countBlock(inner)
		}
		return n
	case protocol.BlockTypeThinking:
		return c.CountText(block.Thinking)
	}
	return 0
}

func compactJSON(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
