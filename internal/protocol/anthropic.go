package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Content block types
const (
	BlockTypeText             = "text"
	BlockTypeImage            = "image"
	BlockTypeToolUse          = "tool_use"
	BlockTypeToolResult       = "tool_result"
	BlockTypeThinking         = "thinking"
	BlockTypeRedactedThinking = "redacted_thinking"
)

// Image source types
const (
	ImageSourceBase64 = "base64"
	ImageSourceURL    = "url"
)

// ImageSource carries inline image data or a remote reference.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock is one typed unit of message content. Type selects which of
// the remaining fields are meaningful.
type ContentBlock struct {
	Type string

	// text
	Text string

	// image
	Source *ImageSource

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Content   MessageContent
	IsError   bool

	// thinking / redacted_thinking
	Thinking  string
	Signature string
	Data      string
}

// NewTextBlock returns a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// NewToolUseBlock returns a tool_use block. A nil input is sent as an empty object.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// NewThinkingBlock returns a thinking block.
func NewThinkingBlock(thinking, signature string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Thinking: thinking, Signature: signature}
}

type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   MessageContent  `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Thinking  *string         `json:"thinking,omitempty"`
	Signature *string         `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// MarshalJSON writes only the fields that belong to the block's type.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	w := wireContentBlock{Type: b.Type}
	switch b.Type {
	case BlockTypeText:
		w.Text = &b.Text
	case BlockTypeImage:
		w.Source = b.Source
	case BlockTypeToolUse:
		w.ID = b.ID
		w.Name = b.Name
		w.Input = b.Input
		if len(bytes.TrimSpace(w.Input)) == 0 {
			w.Input = json.RawMessage("{}")
		}
	case BlockTypeToolResult:
		w.ToolUseID = b.ToolUseID
		w.Content = b.Content
		w.IsError = b.IsError
	case BlockTypeThinking:
		w.Thinking = &b.Thinking
		w.Signature = &b.Signature
	case BlockTypeRedactedThinking:
		w.Data = b.Data
	default:
		return nil, fmt.Errorf("unknown content block type %q", b.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads any block type; validation happens separately.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireContentBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*b = ContentBlock{
		Type:      w.Type,
		Source:    w.Source,
		ID:        w.ID,
		Name:      w.Name,
		Input:     w.Input,
		ToolUseID: w.ToolUseID,
		Content:   w.Content,
		IsError:   w.IsError,
		Data:      w.Data,
	}
	if w.Text != nil {
		b.Text = *w.Text
	}
	if w.Thinking != nil {
		b.Thinking = *w.Thinking
	}
	if w.Signature != nil {
		b.Signature = *w.Signature
	}
	return nil
}

// MessageContent is an ordered list of content blocks. On the wire it may
// also be a bare string, which is read as a single text block.
type MessageContent []ContentBlock

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent{NewTextBlock(s)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// Text joins the text blocks with newlines.
func (c MessageContent) Text() string {
	parts := make([]string, 0, len(c))
	for _, b := range c {
		if b.Type == BlockTypeText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Message is a single turn of the conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content MessageContent `json:"content"`
}

// SystemPrompt accepts either a string or a list of text blocks.
type SystemPrompt struct {
	MessageContent
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.MessageContent)
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	return s.MessageContent.UnmarshalJSON(data)
}

// Tool declares a client-side function the model may call.
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Tool choice types
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
	ToolChoiceTool = "tool"
	ToolChoiceNone = "none"
)

// ToolChoice constrains tool selection.
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

// Metadata is opaque request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
}

// CountTokensRequest is the body of POST /v1/messages/count_tokens.
type CountTokensRequest struct {
	Model      string       `json:"model"`
	Messages   []Message    `json:"messages"`
	System     SystemPrompt `json:"system,omitempty"`
	Tools      []Tool       `json:"tools,omitempty"`
	ToolChoice *ToolChoice  `json:"tool_choice,omitempty"`
}

// Validate checks the structural constraints of a count_tokens body.
func (r *CountTokensRequest) Validate() error {
	return validateConversation(r.Messages, r.Tools, r.ToolChoice)
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// MessageResponse is the non-streaming body returned by POST /v1/messages.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         Role           `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// NewMessageResponse returns an empty assistant message.
func NewMessageResponse(id, model string) *MessageResponse {
	return &MessageResponse{
		ID:      id,
		Type:    "message",
		Role:    RoleAssistant,
		Model:   model,
		Content: []ContentBlock{},
	}
}

// Text concatenates every text block of the response.
func (m *MessageResponse) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
