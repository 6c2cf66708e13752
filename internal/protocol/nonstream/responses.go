package nonstream

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// Responses output item types
const (
	outputTypeMessage      = "message"
	outputTypeFunctionCall = "function_call"
	outputTypeReasoning    = "reasoning"
)

// DecodeResponsesResponse translates a responses-style body into a
// Protocol-A message, keeping output item order.
func DecodeResponsesResponse(body []byte, tc *protocol.TranslationContext) (*protocol.MessageResponse, error) {
	if err := CheckErrorEnvelope(body); err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &protocol.TranslationError{Reason: "invalid responses body"}
	}
	root := gjson.ParseBytes(body)
	return ConvertResponse(root, tc)
}

// ConvertResponse maps a parsed response object. It is shared with the
// stream path, which receives the same object in response.completed.
func ConvertResponse(root gjson.Result, tc *protocol.TranslationContext) (*protocol.MessageResponse, error) {
	status := root.Get("status").String()
	if status == protocol.ResponseStatusFailed {
		msg := root.Get("error.message").String()
		if msg == "" {
			msg = "response failed"
		}
		return nil, &protocol.UpstreamError{StatusCode: 502, Type: root.Get("error.code").String(), Message: msg}
	}

	msg := protocol.NewMessageResponse(protocol.NewMessageID(), tc.RequestModel)
	hasToolCalls := false

	for _, item := range root.Get("output").Array() {
		switch item.Get("type").String() {
		case outputTypeReasoning:
			if text := reasoningText(item); text != "" {
				msg.Content = append(msg.Content, protocol.NewThinkingBlock(text, ""))
			}
		case outputTypeMessage:
			for _, part := range item.Get("content").Array() {
				switch part.Get("type").String() {
				case "output_text":
					msg.Content = append(msg.Content, protocol.NewTextBlock(part.Get("text").String()))
				case "refusal":
					msg.Content = append(msg.Content, protocol.NewTextBlock(part.Get("refusal").String()))
				}
			}
		case outputTypeFunctionCall:
			name := item.Get("name").String()
			input, err := parseArguments(item.Get("arguments").String())
			if err != nil {
				return nil, &protocol.TranslationError{Reason: "tool call " + name + " has invalid arguments", Err: err}
			}
			id := item.Get("call_id").String()
			if id == "" {
				id = item.Get("id").String()
			}
			if id == "" {
				id = protocol.NewToolUseID()
			}
			warnUndeclared(tc, name)
			msg.Content = append(msg.Content, protocol.NewToolUseBlock(id, name, input))
			hasToolCalls = true
		}
	}

	stop := protocol.MapResponsesStatus(status, root.Get("incomplete_details.reason").String(), hasToolCalls)
	msg.StopReason = &stop
	msg.Usage = protocol.Usage{
		InputTokens:  root.Get("usage.input_tokens").Int(),
		OutputTokens: root.Get("usage.output_tokens").Int(),
	}
	if msg.Usage.InputTokens == 0 {
		msg.Usage.InputTokens = tc.InputTokens
	}
	return msg, nil
}

// reasoningText joins the reasoning summary, or the raw reasoning content
// when no summary was produced.
func reasoningText(item gjson.Result) string {
	var parts []string
	for _, s := range item.Get("summary").Array() {
		if t := s.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		for _, c := range item.Get("content").Array() {
			if t := c.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}
