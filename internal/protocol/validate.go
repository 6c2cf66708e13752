package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Validate checks the structural constraints of a messages request. It does
// not judge prompt semantics.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return &ValidationError{Field: "max_tokens", Reason: "must be greater than zero"}
	}
	for i, b := range r.System.MessageContent {
		if b.Type != BlockTypeText {
			return &ValidationError{Field: fmt.Sprintf("system[%d]", i), Reason: fmt.Sprintf("unsupported block type %q", b.Type)}
		}
	}
	return validateConversation(r.Messages, r.Tools, r.ToolChoice)
}

func validateConversation(messages []Message, tools []Tool, choice *ToolChoice) error {
	if len(messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	for i, msg := range messages {
		field := fmt.Sprintf("messages[%d]", i)
		switch msg.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return &ValidationError{Field: field + ".role", Reason: fmt.Sprintf("unknown role %q", msg.Role)}
		}
		if len(msg.Content) == 0 {
			return &ValidationError{Field: field + ".content", Reason: "must contain at least one block"}
		}
		for j, block := range msg.Content {
			blockField := fmt.Sprintf("%s.content[%d]", field, j)
			if err := validateBlock(block, blockField); err != nil {
				return err
			}
			if isThinking(block) && msg.Role != RoleAssistant {
				return &ValidationError{Field: blockField + ".type", Reason: fmt.Sprintf("%s blocks are only valid in assistant messages", block.Type)}
			}
		}
	}
	for i, tool := range tools {
		field := fmt.Sprintf("tools[%d]", i)
		if tool.Type != "" && tool.Type != "custom" {
			return &ValidationError{Field: field + ".type", Reason: fmt.Sprintf("server tool %q is not supported by this backend", tool.Type)}
		}
		if tool.Name == "" {
			return &ValidationError{Field: field + ".name", Reason: "is required"}
		}
		if len(tool.InputSchema) > 0 && !json.Valid(tool.InputSchema) {
			return &ValidationError{Field: field + ".input_schema", Reason: "is not valid JSON"}
		}
	}
	if choice != nil {
		switch choice.Type {
		case ToolChoiceAuto, ToolChoiceAny, ToolChoiceNone:
		case ToolChoiceTool:
			if choice.Name == "" {
				return &ValidationError{Field: "tool_choice.name", Reason: "is required when type is tool"}
			}
		default:
			return &ValidationError{Field: "tool_choice.type", Reason: fmt.Sprintf("unknown type %q", choice.Type)}
		}
	}
	return nil
}

func validateBlock(b ContentBlock, field string) error {
	switch b.Type {
	case BlockTypeText:
	case BlockTypeImage:
		if b.Source == nil {
			return &ValidationError{Field: field + ".source", Reason: "is required"}
		}
		switch b.Source.Type {
		case ImageSourceBase64:
			if b.Source.MediaType == "" || b.Source.Data == "" {
				return &ValidationError{Field: field + ".source", Reason: "base64 source needs media_type and data"}
			}
		case ImageSourceURL:
			if b.Source.URL == "" {
				return &ValidationError{Field: field + ".source.url", Reason: "is required"}
			}
		default:
			return &ValidationError{Field: field + ".source.type", Reason: fmt.Sprintf("unsupported image source %q", b.Source.Type)}
		}
	case BlockTypeToolUse:
		if b.ID == "" || b.Name == "" {
			return &ValidationError{Field: field, Reason: "tool_use needs id and name"}
		}
		if in := bytes.TrimSpace(b.Input); len(in) > 0 && !json.Valid(in) {
			return &ValidationError{Field: field + ".input", Reason: "is not valid JSON"}
		}
	case BlockTypeToolResult:
		if b.ToolUseID == "" {
			return &ValidationError{Field: field + ".tool_use_id", Reason: "is required"}
		}
		for k, inner := range b.Content {
			if inner.Type != BlockTypeText && inner.Type != BlockTypeImage {
				return &ValidationError{Field: fmt.Sprintf("%s.content[%d]", field, k), Reason: fmt.Sprintf("unsupported block type %q inside tool_result", inner.Type)}
			}
			if err := validateBlock(inner, fmt.Sprintf("%s.content[%d]", field, k)); err != nil {
				return err
			}
		}
	case BlockTypeThinking, BlockTypeRedactedThinking:
	default:
		return &ValidationError{Field: field + ".type", Reason: fmt.Sprintf("unsupported block type %q", b.Type)}
	}
	return nil
}

func isThinking(b ContentBlock) bool {
	return b.Type == BlockTypeThinking || b.Type == BlockTypeRedactedThinking
}
