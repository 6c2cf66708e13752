package request

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

func parseRequest(t *testing.T, body string) *protocol.MessagesRequest {
	t.Helper()
	var req protocol.MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	require.NoError(t, req.Validate())
	return &req
}

func chatBody(t *testing.T, req *protocol.MessagesRequest, opts Options) gjson.Result {
	t.Helper()
	tc := protocol.NewTranslationContext(req, protocol.VariantChatCompletions, "gpt-4o", 0)
	body, err := BuildChatRequest(req, tc, opts)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(body))
	return gjson.ParseBytes(body)
}

func responsesBody(t *testing.T, req *protocol.MessagesRequest, opts Options) gjson.Result {
	t.Helper()
	tc := protocol.NewTranslationContext(req, protocol.VariantResponses, "gpt-4o", 0)
	body, err := BuildResponsesRequest(req, tc, opts)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(body))
	return gjson.ParseBytes(body)
}

func TestBuildChatRequest_Basic(t *testing.T) {
	req := parseRequest(t, `{
		"model": "claude-3-5-sonnet",
		"max_tokens": 256,
		"system": [{"type":"text","text":"Be terse."},{"type":"text","text":"Answer in French."}],
		"stop_sequences": ["END"],
		"temperature": 0.2,
		"messages": [
			{"role":"user","content":"Hello"},
			{"role":"assistant","content":[{"type":"text","text":"Bonjour"}]},
			{"role":"user","content":[{"type":"text","text":"How are you?"}]}
		]
	}`)
	body := chatBody(t, req, Options{})

	assert.Equal(t, "gpt-4o", body.Get("model").String())
	assert.Equal(t, int64(256), body.Get("max_tokens").Int())
	assert.Equal(t, 0.2, body.Get("temperature").Float())
	assert.Equal(t, "END", body.Get("stop.0").String())
	assert.False(t, body.Get("top_p").Exists(), "absent controls must be omitted")
	assert.False(t, body.Get("stream").Exists())
	assert.False(t, body.Get("stream_options").Exists())

	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "Be terse.\nAnswer in French.", msgs[0].Get("content").String())
	assert.Equal(t, "Hello", msgs[1].Get("content").String())
	assert.Equal(t, "assistant", msgs[2].Get("role").String())
	assert.Equal(t, "Bonjour", msgs[2].Get("content").String())
	assert.Equal(t, "How are you?", msgs[3].Get("content").String())
}

func TestBuildChatRequest_NoMaxTokensDefault(t *testing.T) {
	req := parseRequest(t, `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	body := chatBody(t, req, Options{})
	assert.False(t, body.Get("max_tokens").Exists())
}

func TestBuildChatRequest_Images(t *testing.T) {
	req := parseRequest(t, `{
		"model": "m",
		"messages": [{"role":"user","content":[
			{"type":"text","text":"What is this?"},
			{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}},
			{"type":"image","source":{"type":"url","url":"https://example.com/cat.jpg"}}
		]}]
	}`)
	body := chatBody(t, req, Options{})

	parts := body.Get("messages.0.content").Array()
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Get("type").String())
	assert.Equal(t, "image_url", parts[1].Get("type").String())
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", parts[1].Get("image_url.url").String())
	assert.Equal(t, "https://example.com/cat.jpg", parts[2].Get("image_url.url").String())
}

func TestBuildChatRequest_ToolRoundTripShape(t *testing.T) {
	req := parseRequest(t, `{
		"model": "m",
		"max_tokens": 100,
		"tools": [{"name":"get_weather","description":"Weather by city","input_schema":{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}}],
		"tool_choice": {"type":"any","disable_parallel_tool_use":true},
		"messages": [
			{"role":"user","content":"Weather in Paris?"},
			{"role":"assistant","content":[
				{"type":"thinking","thinking":"need a tool","signature":"s"},
				{"type":"text","text":"Checking."},
				{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Paris"}}
			]},
			{"role":"user","content":[
				{"type":"tool_result","tool_use_id":"toolu_1","content":"18C"},
				{"type":"text","text":"And tomorrow?"}
			]}
		]
	}`)
	body := chatBody(t, req, Options{})

	tool := body.Get("tools.0")
	assert.Equal(t, "function", tool.Get("type").String())
	assert.Equal(t, "get_weather", tool.Get("function.name").String())
	assert.Equal(t, "Weather by city", tool.Get("function.description").String())
	assert.JSONEq(t, `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`, tool.Get("function.parameters").Raw)
	assert.Equal(t, "required", body.Get("tool_choice").String())
	assert.False(t, body.Get("parallel_tool_calls").Bool())
	assert.True(t, body.Get("parallel_tool_calls").Exists())

	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 4)

	assistant := msgs[1]
	assert.Equal(t, "Checking.", assistant.Get("content").String())
	assert.Equal(t, "need a tool", assistant.Get("reasoning_content").String())
	call := assistant.Get("tool_calls.0")
	assert.Equal(t, "toolu_1", call.Get("id").String())
	assert.Equal(t, "get_weather", call.Get("function.name").String())
	// arguments travel as a JSON string
	assert.Equal(t, gjson.String, call.Get("function.arguments").Type)
	assert.JSONEq(t, `{"city":"Paris"}`, call.Get("function.arguments").String())

	assert.Equal(t, "tool", msgs[2].Get("role").String())
	assert.Equal(t, "toolu_1", msgs[2].Get("tool_call_id").String())
	assert.Equal(t, "18C", msgs[2].Get("content").String())
	assert.Equal(t, "user", msgs[3].Get("role").String())
	assert.Equal(t, "And tomorrow?", msgs[3].Get("content").String())
}

func TestBuildChatRequest_ToolChoice(t *testing.T) {
	tests := []struct {
		choice string
		want   string
	}{
		{`{"type":"auto"}`, `"auto"`},
		{`{"type":"any"}`, `"required"`},
		{`{"type":"none"}`, `"none"`},
		{`{"type":"tool","name":"get_weather"}`, `{"type":"function","function":{"name":"get_weather"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.choice, func(t *testing.T) {
			req := parseRequest(t, `{"model":"m","tools":[{"name":"get_weather","input_schema":{"type":"object"}}],"tool_choice":`+tt.choice+`,"messages":[{"role":"user","content":"x"}]}`)
			body := chatBody(t, req, Options{})
			assert.JSONEq(t, tt.want, body.Get("tool_choice").Raw)
			assert.False(t, body.Get("parallel_tool_calls").Exists())
		})
	}
}

func TestBuildChatRequest_ToolResultVariants(t *testing.T) {
	req := parseRequest(t, `{"model":"m","messages":[
		{"role":"assistant","content":[
			{"type":"tool_use","id":"a","name":"f","input":{}},
			{"type":"tool_use","id":"b","name":"f"}
		]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"a","content":[{"type":"text","text":"boom"}],"is_error":true},
			{"type":"tool_result","tool_use_id":"b"}
		]}
	]}`)
	body := chatBody(t, req, Options{})
	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, gjson.Null, msgs[0].Get("content").Type, "tool-only assistant turns carry null content")
	assert.Equal(t, "{}", msgs[0].Get("tool_calls.1.function.arguments").String())
	assert.Equal(t, "Error: boom", msgs[1].Get("content").String())
	assert.Equal(t, "Success", msgs[2].Get("content").String())
}

func TestBuildChatRequest_ImageInToolResultRejected(t *testing.T) {
	req := parseRequest(t, `{"model":"m","messages":[
		{"role":"user","content":"x"},
		{"role":"assistant","content":[{"type":"tool_use","id":"a","name":"f","input":{}}]},
		{"role":"user","content":[
			{"type":"text","text":"see"},
			{"type":"tool_result","tool_use_id":"a","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AA=="}}]}
		]}
	]}`)
	tc := protocol.NewTranslationContext(req, protocol.VariantChatCompletions, "m", 0)
	_, err := BuildChatRequest(req, tc, Options{})

	var verr *protocol.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "messages[2].content[1]", verr.Field)
}

func TestBuildChatRequest_ImageInAssistantRejected(t *testing.T) {
	req := parseRequest(t, `{"model":"m","messages":[
		{"role":"assistant","content":[{"type":"image","source":{"type":"url","url":"https://x/y.png"}}]}
	]}`)
	tc := protocol.NewTranslationContext(req, protocol.VariantChatCompletions, "m", 0)
	_, err := BuildChatRequest(req, tc, Options{})

	var verr *protocol.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "messages[0].content[0]", verr.Field)
}

func TestBuildRequest_ThinkingInUserRejected(t *testing.T) {
	// built directly, bypassing Validate
	req := &protocol.MessagesRequest{Model: "m", Messages: []protocol.Message{{
		Role:    protocol.RoleUser,
		Content: protocol.MessageContent{protocol.NewTextBlock("hi"), protocol.NewThinkingBlock("hmm", "s")},
	}}}

	_, err := BuildChatRequest(req, protocol.NewTranslationContext(req, protocol.VariantChatCompletions, "m", 0), Options{})
	var verr *protocol.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "messages[0].content[1]", verr.Field)

	_, err = BuildResponsesRequest(req, protocol.NewTranslationContext(req, protocol.VariantResponses, "m", 0), Options{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "messages[0].content[1]", verr.Field)
}

func TestBuildChatRequest_Options(t *testing.T) {
	req := parseRequest(t, `{"model":"m","stream":true,"metadata":{"user_id":"u-1"},"top_k":5,"messages":[
		{"role":"user","content":"Write a haiku"},
		{"role":"assistant","content":"Autumn"}
	]}`)
	body := chatBody(t, req, Options{
		IncludeUsage:     true,
		AssistantPrefill: true,
		ExtraBody:        map[string]any{"seed": 7, "chat_template_kwargs": map[string]any{"enable_thinking": false}},
	})

	assert.True(t, body.Get("stream").Bool())
	assert.True(t, body.Get("stream_options.include_usage").Bool())
	assert.True(t, body.Get("continue_final_message").Bool())
	assert.False(t, body.Get("add_generation_prompt").Bool())
	assert.True(t, body.Get("add_generation_prompt").Exists())
	assert.Equal(t, "u-1", body.Get("user").String())
	assert.False(t, body.Get("top_k").Exists())
	assert.Equal(t, int64(7), body.Get("seed").Int())
	assert.False(t, body.Get("chat_template_kwargs.enable_thinking").Bool())
}

func TestBuildChatRequest_PrefillOnlyAfterAssistant(t *testing.T) {
	req := parseRequest(t, `{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	body := chatBody(t, req, Options{AssistantPrefill: true})
	assert.False(t, body.Get("continue_final_message").Exists())
}

func TestBuildResponsesRequest(t *testing.T) {
	req := parseRequest(t, `{
		"model": "claude",
		"max_tokens": 64,
		"system": "Be terse.",
		"stop_sequences": ["END"],
		"tools": [{"name":"get_weather","input_schema":{"type":"object","properties":{"city":{"type":"string"}}}}],
		"tool_choice": {"type":"tool","name":"get_weather"},
		"messages": [
			{"role":"user","content":[{"type":"text","text":"Weather?"},{"type":"image","source":{"type":"url","url":"https://x/y.png"}}]},
			{"role":"assistant","content":[
				{"type":"thinking","thinking":"hmm","signature":"s"},
				{"type":"text","text":"Checking."},
				{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Paris"}}
			]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"18C"}]}
		]
	}`)
	body := responsesBody(t, req, Options{ExtraBody: map[string]any{"store": false}})

	assert.Equal(t, "gpt-4o", body.Get("model").String())
	assert.Equal(t, "Be terse.", body.Get("instructions").String())
	assert.Equal(t, int64(64), body.Get("max_output_tokens").Int())
	assert.False(t, body.Get("max_tokens").Exists())
	assert.False(t, body.Get("stop").Exists())
	assert.True(t, body.Get("store").Exists())
	assert.JSONEq(t, `{"type":"function","name":"get_weather"}`, body.Get("tool_choice").Raw)
	assert.Equal(t, "get_weather", body.Get("tools.0.name").String())
	assert.Equal(t, "function", body.Get("tools.0.type").String())

	input := body.Get("input").Array()
	require.Len(t, input, 4)
	assert.Equal(t, "message", input[0].Get("type").String())
	assert.Equal(t, "input_text", input[0].Get("content.0.type").String())
	assert.Equal(t, "input_image", input[0].Get("content.1.type").String())
	assert.Equal(t, "https://x/y.png", input[0].Get("content.1.image_url").String())

	assert.Equal(t, "assistant", input[1].Get("role").String())
	assert.Equal(t, "output_text", input[1].Get("content.0.type").String())
	assert.Equal(t, "Checking.", input[1].Get("content.0.text").String())

	assert.Equal(t, "function_call", input[2].Get("type").String())
	assert.Equal(t, "toolu_1", input[2].Get("call_id").String())
	assert.JSONEq(t, `{"city":"Paris"}`, input[2].Get("arguments").String())

	assert.Equal(t, "function_call_output", input[3].Get("type").String())
	assert.Equal(t, "toolu_1", input[3].Get("call_id").String())
	assert.Equal(t, "18C", input[3].Get("output").String())
}

func TestApplyExtraBody_DottedKey(t *testing.T) {
	body, err := applyExtraBody([]byte(`{"model":"m"}`), map[string]any{"a.b": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.GetBytes(body, `a\.b`).Int())
	assert.False(t, gjson.GetBytes(body, "a").Exists())
}
