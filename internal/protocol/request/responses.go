package request

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// ResponsesRequest is the responses-style request body.
type ResponsesRequest struct {
	Model             string          `json:"model"`
	Input             []ResponsesItem `json:"input"`
	Instructions      string          `json:"instructions,omitempty"`
	MaxOutputTokens   *int            `json:"max_output_tokens,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	TopP              *float64        `json:"top_p,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
	Tools             []ResponsesTool `json:"tools,omitempty"`
	ToolChoice        any             `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`
	User              string          `json:"user,omitempty"`
}

// Responses input item types
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// ResponsesItem is one entry of the input list. Type selects which fields
// are meaningful.
type ResponsesItem struct {
	Type      string                 `json:"type"`
	Role      string                 `json:"role,omitempty"`
	Content   []ResponsesContentPart `json:"content,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments string                 `json:"arguments,omitempty"`
	Output    *string                `json:"output,omitempty"`
}

// ResponsesContentPart is input_text, input_image or output_text.
type ResponsesContentPart struct {
	Type     string  `json:"type"`
	Text     *string `json:"text,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
}

// ResponsesTool declares a function.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict"`
}

// BuildResponsesRequest translates a Protocol-A request into a responses body.
func BuildResponsesRequest(req *protocol.MessagesRequest, tc *protocol.TranslationContext, opts Options) ([]byte, error) {
	out := ConvertToResponsesRequest(req, tc)
	input, err := convertResponsesInput(req.Messages)
	if err != nil {
		return nil, err
	}
	out.Input = input

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal responses request: %w", err)
	}
	return applyExtraBody(body, opts.ExtraBody)
}

// ConvertToResponsesRequest maps the scalar controls and tool declarations.
func ConvertToResponsesRequest(req *protocol.MessagesRequest, tc *protocol.TranslationContext) *ResponsesRequest {
	out := &ResponsesRequest{
		Model:           tc.TargetModel,
		Instructions:    req.System.Text(),
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}
	if len(req.StopSequences) > 0 {
		logrus.Warnf("Dropping %d stop sequences: responses backends do not support them", len(req.StopSequences))
	}
	if req.TopK != nil {
		logrus.Debugf("Dropping top_k=%d: responses has no equivalent", *req.TopK)
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		out.User = req.Metadata.UserID
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toolParameters(t.InputSchema),
		})
	}

	if choice := req.ToolChoice; choice != nil {
		switch choice.Type {
		case protocol.ToolChoiceAuto:
			out.ToolChoice = "auto"
		case protocol.ToolChoiceAny:
			out.ToolChoice = "required"
		case protocol.ToolChoiceNone:
			out.ToolChoice = "none"
		case protocol.ToolChoiceTool:
			out.ToolChoice = map[string]string{"type": "function", "name": choice.Name}
		}
		if choice.DisableParallelToolUse != nil && *choice.DisableParallelToolUse {
			out.ParallelToolCalls = boolPtr(false)
		}
	}
	return out
}

func convertResponsesInput(messages []protocol.Message) ([]ResponsesItem, error) {
	var items []ResponsesItem
	for i, msg := range messages {
		var (
			converted []ResponsesItem
			err       error
		)
		switch msg.Role {
		case protocol.RoleAssistant:
			converted, err = convertResponsesAssistantMessage(i, msg)
		default:
			converted, err = convertResponsesUserMessage(i, msg)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, converted...)
	}
	return items, nil
}

// convertResponsesUserMessage emits function_call_output items for tool
// results followed by one message item with the remaining content.
func convertResponsesUserMessage(msgIndex int, msg protocol.Message) ([]ResponsesItem, error) {
	var (
		items []ResponsesItem
		parts []ResponsesContentPart
	)
	for j, block := range msg.Content {
		switch block.Type {
		case protocol.BlockTypeText:
			text := block.Text
			parts = append(parts, ResponsesContentPart{Type: "input_text", Text: &text})
		case protocol.BlockTypeImage:
			parts = append(parts, ResponsesContentPart{Type: "input_image", ImageURL: imageURL(block.Source)})
		case protocol.BlockTypeToolResult:
			if err := checkToolResult(msgIndex, j, block); err != nil {
				return nil, err
			}
			output := toolResultText(block)
			items = append(items, ResponsesItem{
				Type:   ItemTypeFunctionCallOutput,
				CallID: block.ToolUseID,
				Output: &output,
			})
		case protocol.BlockTypeToolUse:
			return nil, blockError(msgIndex, j, "tool_use blocks are only valid in assistant messages")
		case protocol.BlockTypeThinking, protocol.BlockTypeRedactedThinking:
			return nil, blockError(msgIndex, j, block.Type+" blocks are only valid in assistant messages")
		default:
			logrus.Debugf("Skipping %s block in %s message %d", block.Type, msg.Role, msgIndex)
		}
	}
	if len(parts) > 0 {
		role := string(msg.Role)
		if msg.Role == protocol.RoleSystem {
			role = "developer"
		}
		items = append(items, ResponsesItem{Type: ItemTypeMessage, Role: role, Content: parts})
	}
	return items, nil
}

// convertResponsesAssistantMessage keeps block order: text runs become
// assistant output_text messages, tool calls become function_call items.
// Thinking has no input representation and is skipped.
func convertResponsesAssistantMessage(msgIndex int, msg protocol.Message) ([]ResponsesItem, error) {
	var (
		items []ResponsesItem
		parts []ResponsesContentPart
	)
	flush := func() {
		if len(parts) > 0 {
			items = append(items, ResponsesItem{Type: ItemTypeMessage, Role: "assistant", Content: parts})
			parts = nil
		}
	}
	for j, block := range msg.Content {
		switch block.Type {
		case protocol.BlockTypeText:
			text := block.Text
			parts = append(parts, ResponsesContentPart{Type: "output_text", Text: &text})
		case protocol.BlockTypeToolUse:
			flush()
			items = append(items, ResponsesItem{
				Type:      ItemTypeFunctionCall,
				CallID:    block.ID,
				Name:      block.Name,
				Arguments: toolArguments(block.Input),
			})
		case protocol.BlockTypeThinking, protocol.BlockTypeRedactedThinking:
		default:
			return nil, blockError(msgIndex, j, fmt.Sprintf("%s blocks are not allowed in assistant messages", block.Type))
		}
	}
	flush()
	return items, nil
}
