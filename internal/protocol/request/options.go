package request

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// Options carries the per-snapshot knobs that shape every outbound body.
type Options struct {
	// IncludeUsage asks chat-completions backends for a trailing usage chunk.
	IncludeUsage bool
	// AssistantPrefill continues a trailing assistant turn instead of
	// starting a new one (vLLM continue_final_message).
	AssistantPrefill bool
	// ExtraBody is merged into the top level of the outbound JSON.
	ExtraBody map[string]any
}

const emptyObjectSchema = `{"type":"object","properties":{}}`

// applyExtraBody merges extra keys into body. Keys are applied in sorted
// order so that the output is deterministic.
func applyExtraBody(body []byte, extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		body, err = sjson.SetBytes(body, escapePath(k), extra[k])
		if err != nil {
			return nil, fmt.Errorf("failed to merge extra_body key %q: %w", k, err)
		}
	}
	return body, nil
}

// escapePath keeps dotted keys as a single top-level field.
func escapePath(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}

func toolParameters(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(emptyObjectSchema)
	}
	return schema
}

// toolArguments stringifies a tool_use input for the backend.
func toolArguments(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	return compact(input)
}

func compact(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// toolResultText flattens a tool_result for backends that only accept a
// string. Images are rejected by the caller before this is reached.
func toolResultText(b protocol.ContentBlock) string {
	text := b.Content.Text()
	if b.IsError {
		return "Error: " + text
	}
	if text == "" {
		return "Success"
	}
	return text
}

// imageURL renders an image source as a URL or data URI.
func imageURL(src *protocol.ImageSource) string {
	if src.Type == protocol.ImageSourceURL {
		return src.URL
	}
	return "data:" + src.MediaType + ";base64," + src.Data
}

func blockError(msgIndex, blockIndex int, reason string) error {
	return &protocol.ValidationError{
		Field:  fmt.Sprintf("messages[%d].content[%d]", msgIndex, blockIndex),
		Reason: reason,
	}
}

// checkToolResult rejects tool results the backend cannot carry.
func checkToolResult(msgIndex, blockIndex int, b protocol.ContentBlock) error {
	for _, inner := range b.Content {
		if inner.Type == protocol.BlockTypeImage {
			return blockError(msgIndex, blockIndex, "image content inside tool_result cannot be sent to this backend")
		}
	}
	return nil
}

func lastIsAssistant(messages []protocol.Message) bool {
	return len(messages) > 0 && messages[len(messages)-1].Role == protocol.RoleAssistant
}

func boolPtr(v bool) *bool {
	return &v
}
