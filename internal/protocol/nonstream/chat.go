package nonstream

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// DecodeChatResponse translates a chat-completions body into a Protocol-A
// message. Only choices[0] is used.
func DecodeChatResponse(body []byte, tc *protocol.TranslationContext) (*protocol.MessageResponse, error) {
	if err := CheckErrorEnvelope(body); err != nil {
		return nil, err
	}

	var resp openai.ChatCompletion
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &protocol.TranslationError{Reason: "invalid chat-completions body", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &protocol.TranslationError{Reason: "chat-completions body has no choices"}
	}

	return ConvertChatCompletion(&resp, gjson.GetBytes(body, "choices.0.message.reasoning_content").String(), tc)
}

// ConvertChatCompletion maps a decoded completion. reasoning carries the
// non-standard reasoning_content some backends attach to the message.
func ConvertChatCompletion(resp *openai.ChatCompletion, reasoning string, tc *protocol.TranslationContext) (*protocol.MessageResponse, error) {
	msg := protocol.NewMessageResponse(protocol.NewMessageID(), tc.RequestModel)
	choice := resp.Choices[0]

	if reasoning != "" {
		msg.Content = append(msg.Content, protocol.NewThinkingBlock(reasoning, ""))
	}
	if text := choice.Message.Refusal + choice.Message.Content; text != "" {
		msg.Content = append(msg.Content, protocol.NewTextBlock(text))
	}

	for i, call := range choice.Message.ToolCalls {
		input, err := parseArguments(call.Function.Arguments)
		if err != nil {
			return nil, &protocol.TranslationError{Reason: "tool call " + call.Function.Name + " has invalid arguments", Err: err}
		}
		id := call.ID
		if id == "" {
			id = protocol.NewToolUseID()
		}
		if call.Function.Name == "" {
			return nil, &protocol.TranslationError{Reason: "tool call " + strconv.Itoa(i) + " has no function name"}
		}
		warnUndeclared(tc, call.Function.Name)
		msg.Content = append(msg.Content, protocol.NewToolUseBlock(id, call.Function.Name, input))
	}

	stop := protocol.ResolveStopReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0)
	msg.StopReason = &stop
	msg.Usage = protocol.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if msg.Usage.InputTokens == 0 {
		msg.Usage.InputTokens = tc.InputTokens
	}
	return msg, nil
}

var errNotObject = errors.New("arguments must be a JSON object")

// parseArguments reparses the backend's stringified arguments. An empty
// string is an empty object.
func parseArguments(args string) (json.RawMessage, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}"), nil
	}
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, errNotObject
	}
	return json.RawMessage(args), nil
}

// warnUndeclared logs a call to a tool the client never declared. The call
// is still forwarded; the client decides what to do with it.
func warnUndeclared(tc *protocol.TranslationContext, name string) {
	if len(tc.Tools) > 0 && !tc.HasTool(name) {
		logrus.Warnf("Backend called undeclared tool %q", name)
	}
}
