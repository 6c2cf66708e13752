package request

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// ChatRequest is the chat-completions request body.
type ChatRequest struct {
	Model             string        `json:"model"`
	Messages          []ChatMessage `json:"messages"`
	MaxTokens         *int          `json:"max_tokens,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
	TopP              *float64      `json:"top_p,omitempty"`
	Stop              []string      `json:"stop,omitempty"`
	Stream            bool          `json:"stream,omitempty"`
	Tools             []ChatTool    `json:"tools,omitempty"`
	ToolChoice        any           `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
	User              string        `json:"user,omitempty"`
}

// ChatMessage is one chat-completions message. Content is either a string,
// a []ChatContentPart, or nil for an assistant turn made only of tool calls.
type ChatMessage struct {
	Role             string         `json:"role"`
	Content          any            `json:"content"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
}

// ChatContentPart is a multimodal user content part.
type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     *string       `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

type ChatImageURL struct {
	URL string `json:"url"`
}

// ChatToolCall is an assistant function call.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatTool declares a function.
type ChatTool struct {
	Type     string          `json:"type"`
	Function ChatFunctionDef `json:"function"`
}

type ChatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// BuildChatRequest translates a Protocol-A request into a chat-completions body.
func BuildChatRequest(req *protocol.MessagesRequest, tc *protocol.TranslationContext, opts Options) ([]byte, error) {
	out := ConvertToChatRequest(req, tc)
	messages, err := convertChatMessages(req)
	if err != nil {
		return nil, err
	}
	out.Messages = messages

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	if req.Stream && opts.IncludeUsage {
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			return nil, err
		}
	}
	if opts.AssistantPrefill && lastIsAssistant(req.Messages) {
		if body, err = sjson.SetBytes(body, "continue_final_message", true); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, "add_generation_prompt", false); err != nil {
			return nil, err
		}
	}
	return applyExtraBody(body, opts.ExtraBody)
}

// ConvertToChatRequest maps the scalar controls and tool declarations.
// Messages are filled in by BuildChatRequest.
func ConvertToChatRequest(req *protocol.MessagesRequest, tc *protocol.TranslationContext) *ChatRequest {
	out := &ChatRequest{
		Model:       tc.TargetModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.TopK != nil {
		logrus.Debugf("Dropping top_k=%d: chat-completions has no equivalent", *req.TopK)
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		out.User = req.Metadata.UserID
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toolParameters(t.InputSchema),
			},
		})
	}

	if tcChoice := req.ToolChoice; tcChoice != nil {
		switch tcChoice.Type {
		case protocol.ToolChoiceAuto:
			out.ToolChoice = "auto"
		case protocol.ToolChoiceAny:
			out.ToolChoice = "required"
		case protocol.ToolChoiceNone:
			out.ToolChoice = "none"
		case protocol.ToolChoiceTool:
			out.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": tcChoice.Name},
			}
		}
		if tcChoice.DisableParallelToolUse != nil && *tcChoice.DisableParallelToolUse {
			out.ParallelToolCalls = boolPtr(false)
		}
	}
	return out
}

func convertChatMessages(req *protocol.MessagesRequest) ([]ChatMessage, error) {
	var out []ChatMessage
	if sys := req.System.Text(); sys != "" {
		out = append(out, ChatMessage{Role: "system", Content: sys})
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			out = append(out, ChatMessage{Role: "system", Content: msg.Content.Text()})
		case protocol.RoleUser:
			converted, err := convertChatUserMessage(i, msg)
			if err != nil {
				return nil, err
			}
			out = append(out, converted...)
		case protocol.RoleAssistant:
			converted, err := convertChatAssistantMessage(i, msg)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
	}
	return out, nil
}

// convertChatUserMessage splits a user turn: every tool_result becomes its
// own role=tool message, the remaining text and images follow as one user
// message.
func convertChatUserMessage(msgIndex int, msg protocol.Message) ([]ChatMessage, error) {
	var (
		out   []ChatMessage
		parts []ChatContentPart
	)
	hasImage := false

	for j, block := range msg.Content {
		switch block.Type {
		case protocol.BlockTypeText:
			text := block.Text
			parts = append(parts, ChatContentPart{Type: "text", Text: &text})
		case protocol.BlockTypeImage:
			hasImage = true
			parts = append(parts, ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: imageURL(block.Source)}})
		case protocol.BlockTypeToolResult:
			if err := checkToolResult(msgIndex, j, block); err != nil {
				return nil, err
			}
			out = append(out, ChatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    toolResultText(block),
			})
		case protocol.BlockTypeToolUse:
			return nil, blockError(msgIndex, j, "tool_use blocks are only valid in assistant messages")
		case protocol.BlockTypeThinking, protocol.BlockTypeRedactedThinking:
			return nil, blockError(msgIndex, j, block.Type+" blocks are only valid in assistant messages")
		default:
			logrus.Debugf("Skipping %s block in user message %d", block.Type, msgIndex)
		}
	}

	if len(parts) == 0 {
		return out, nil
	}
	if !hasImage {
		texts := make([]string, len(parts))
		for k, p := range parts {
			texts[k] = *p.Text
		}
		return append(out, ChatMessage{Role: "user", Content: strings.Join(texts, "\n")}), nil
	}
	return append(out, ChatMessage{Role: "user", Content: parts}), nil
}

// convertChatAssistantMessage folds an assistant turn into one message with
// joined text, tool_calls and reasoning_content.
func convertChatAssistantMessage(msgIndex int, msg protocol.Message) (ChatMessage, error) {
	var (
		texts     []string
		thinking  []string
		toolCalls []ChatToolCall
	)
	for j, block := range msg.Content {
		switch block.Type {
		case protocol.BlockTypeText:
			texts = append(texts, block.Text)
		case protocol.BlockTypeToolUse:
			toolCalls = append(toolCalls, ChatToolCall{
				ID:   block.ID,
				Type: "function",
				Function: ChatFunctionCall{
					Name:      block.Name,
					Arguments: toolArguments(block.Input),
				},
			})
		case protocol.BlockTypeThinking:
			thinking = append(thinking, block.Thinking)
		case protocol.BlockTypeRedactedThinking:
		default:
			return ChatMessage{}, blockError(msgIndex, j, fmt.Sprintf("%s blocks are not allowed in assistant messages", block.Type))
		}
	}

	out := ChatMessage{
		Role:             "assistant",
		ToolCalls:        toolCalls,
		ReasoningContent: strings.Join(thinking, "\n"),
	}
	if len(texts) > 0 || len(toolCalls) == 0 {
		out.Content = strings.Join(texts, "\n")
	}
	return out, nil
}
