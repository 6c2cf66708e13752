package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tingly-dev/anthropic-adapter/internal/config"
	"github.com/tingly-dev/anthropic-adapter/internal/obs/otel"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream records what the relay sends and answers with a canned reply.
type fakeUpstream struct {
	*httptest.Server

	mu      sync.Mutex
	bodies  []string
	headers []http.Header
}

func newFakeUpstream(t *testing.T, handler func(w http.ResponseWriter, body []byte)) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.headers = append(f.headers, r.Header.Clone())
		f.mu.Unlock()
		handler(w, body)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return ""
	}
	return f.bodies[len(f.bodies)-1]
}

func (f *fakeUpstream) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return nil
	}
	return f.headers[len(f.headers)-1]
}

type relay struct {
	server *Server
	store  *config.Store
	reader *sdkmetric.ManualReader
}

func newRelay(t *testing.T, baseURL string, mutate func(*config.Config)) *relay {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = baseURL
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	snap, err := config.NewSnapshot(cfg)
	require.NoError(t, err)
	store := config.NewStore(snap)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tracker, err := otel.NewTokenTracker(provider.Meter("test"))
	require.NoError(t, err)

	return &relay{
		server: NewServer(store, WithTracker(tracker), WithVersion("test")),
		store:  store,
		reader: reader,
	}
}

func (r *relay) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(w, req)
	return w
}

func (r *relay) sdkClient(t *testing.T) anthropic.Client {
	t.Helper()
	ts := httptest.NewServer(r.server.Handler())
	t.Cleanup(ts.Close)
	return anthropic.NewClient(
		option.WithBaseURL(ts.URL),
		option.WithAPIKey("sk-client"),
		option.WithMaxRetries(0),
	)
}

func (r *relay) tokenUsage(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "llm.token.usage" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value(otel.AttrTokenType)
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

const chatCompletionBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-4o",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "Hi there"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
}`

func chatStreamChunks() []string {
	return []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`,
		`[DONE]`,
	}
}

func writeSSE(w http.ResponseWriter, chunks []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, chunk := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func userMessage(text string) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model("claude-sonnet-4"),
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	}
}

func TestSDKNonStreaming(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody)
	})
	r := newRelay(t, upstream.URL+"/v1", func(c *config.Config) {
		c.Models = []config.ModelRule{{Match: "claude-*", Target: "gpt-4o"}}
	})

	msg, err := r.sdkClient(t).Messages.New(context.Background(), userMessage("Hello"))
	require.NoError(t, err)

	require.Len(t, msg.Content, 1)
	assert.Equal(t, "text", msg.Content[0].Type)
	assert.Equal(t, "Hi there", msg.Content[0].Text)
	assert.Equal(t, anthropic.StopReasonEndTurn, msg.StopReason)
	assert.Equal(t, "claude-sonnet-4", string(msg.Model))
	assert.Equal(t, int64(9), msg.Usage.InputTokens)
	assert.Equal(t, int64(3), msg.Usage.OutputTokens)
	assert.True(t, strings.HasPrefix(msg.ID, "msg_"))

	sent := upstream.lastBody()
	assert.Equal(t, "gpt-4o", gjson.Get(sent, "model").String())
	assert.Equal(t, int64(256), gjson.Get(sent, "max_tokens").Int())
	assert.Equal(t, "Hello", gjson.Get(sent, "messages.0.content").String())
	assert.Equal(t, "Bearer sk-client", upstream.lastHeader().Get("Authorization"))
	assert.Empty(t, upstream.lastHeader().Get("X-Api-Key"))

	usage := r.tokenUsage(t)
	assert.Equal(t, int64(9), usage["input"])
	assert.Equal(t, int64(3), usage["output"])
}

func TestSDKStreaming(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		writeSSE(w, chatStreamChunks())
	})
	r := newRelay(t, upstream.URL+"/v1/chat/completions", nil)

	stream := r.sdkClient(t).Messages.NewStreaming(context.Background(), userMessage("Hello"))
	msg := anthropic.Message{}
	var types []string
	for stream.Next() {
		ev := stream.Current()
		types = append(types, ev.Type)
		require.NoError(t, msg.Accumulate(ev))
	}
	require.NoError(t, stream.Err())

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "Hi there", msg.Content[0].Text)
	assert.Equal(t, anthropic.StopReasonEndTurn, msg.StopReason)
	assert.Equal(t, int64(3), msg.Usage.OutputTokens)

	sent := upstream.lastBody()
	assert.True(t, gjson.Get(sent, "stream").Bool())
	assert.True(t, gjson.Get(sent, "stream_options.include_usage").Bool())

	usage := r.tokenUsage(t)
	assert.Equal(t, int64(3), usage["output"])
}

func TestSDKStreamingToolCall(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		writeSSE(w, []string{
			`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]},"finish_reason":null}]}`,
			`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]},"finish_reason":null}]}`,
			`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]},"finish_reason":null}]}`,
			`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		})
	})
	r := newRelay(t, upstream.URL+"/v1", nil)

	params := userMessage("Weather in Paris?")
	params.Tools = []anthropic.ToolUnionParam{{
		OfTool: &anthropic.ToolParam{
			Name: "get_weather",
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{"city": map[string]any{"type": "string"}},
			},
		},
	}}

	stream := r.sdkClient(t).Messages.NewStreaming(context.Background(), params)
	msg := anthropic.Message{}
	for stream.Next() {
		require.NoError(t, msg.Accumulate(stream.Current()))
	}
	require.NoError(t, stream.Err())

	require.Len(t, msg.Content, 1)
	block := msg.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "call_1", block.ID)
	assert.Equal(t, "get_weather", block.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(block.Input))
	assert.Equal(t, anthropic.StopReasonToolUse, msg.StopReason)

	sent := upstream.lastBody()
	assert.Equal(t, "get_weather", gjson.Get(sent, "tools.0.function.name").String())
}

func TestSDKCountTokens(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		t.Error("count_tokens must not call the backend")
	})
	r := newRelay(t, upstream.URL+"/v1", nil)

	count, err := r.sdkClient(t).Messages.CountTokens(context.Background(), anthropic.MessageCountTokensParams{
		Model: anthropic.Model("claude-sonnet-4"),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Hello world")),
		},
	})
	require.NoError(t, err)
	// 3 message overhead + 2 text tokens + 3 reply priming
	assert.Equal(t, int64(8), count.InputTokens)
}

func TestSDKUpstreamRateLimit(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached for gpt-4o","type":"rate_limit_exceeded"}}`)
	})
	r := newRelay(t, upstream.URL+"/v1", nil)

	_, err := r.sdkClient(t).Messages.New(context.Background(), userMessage("Hello"))
	var apiErr *anthropic.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)

	w := r.do(t, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":16,"messages":[{"role":"user","content":"Hello"}]}`,
		map[string]string{"x-api-key": "sk-client"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"type":"error","error":{"type":"rate_limit_error","message":"Rate limit reached for gpt-4o"}}`, w.Body.String())
}

func TestStreamingUpstreamErrorBeforeEvents(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	})
	r := newRelay(t, upstream.URL+"/v1", nil)

	w := r.do(t, http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"Hello"}]}`,
		map[string]string{"Authorization": "Bearer sk-client"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "overloaded_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestStreamingErrorMidStream(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		writeSSE(w, []string{
			`{"id":"c3","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"partial"},"finish_reason":null}]}`,
			`{"error":{"message":"Rate limit reached","type":"rate_limit_exceeded","code":429}}`,
		})
	})
	r := newRelay(t, upstream.URL+"/v1", nil)

	w := r.do(t, http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"Hello"}]}`,
		map[string]string{"x-api-key": "sk-client"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event:content_block_stop")
	assert.Contains(t, body, `"stop_reason":"error"`)
	assert.Contains(t, body, "event:error")
	assert.Contains(t, body, "rate_limit_error")
	assert.NotContains(t, body, "event:message_stop")
}

func TestMessagesValidation(t *testing.T) {
	r := newRelay(t, "http://127.0.0.1:1/v1", nil)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"model":`, "body"},
		{"missing model", `{"max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"empty messages", `{"model":"m","max_tokens":1,"messages":[]}`, "messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := r.do(t, http.MethodPost, "/v1/messages", tt.body, map[string]string{"x-api-key": "k"})
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid_request_error", gjson.Get(w.Body.String(), "error.type").String())
			assert.Contains(t, gjson.Get(w.Body.String(), "error.message").String(), tt.field)
		})
	}
}

func TestMessagesRequiresCredential(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody)
	})
	body := `{"model":"m","max_tokens":16,"messages":[{"role":"user","content":"Hello"}]}`

	r := newRelay(t, upstream.URL+"/v1", nil)
	w := r.do(t, http.MethodPost, "/v1/messages", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())

	r = newRelay(t, upstream.URL+"/v1", func(c *config.Config) { c.APIKey = "sk-configured" })
	w = r.do(t, http.MethodPost, "/v1/messages", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer sk-configured", upstream.lastHeader().Get("Authorization"))
}

func TestResponsesBackend(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "resp_1",
			"object": "response",
			"status": "completed",
			"output": [{
				"type": "message",
				"role": "assistant",
				"content": [{"type": "output_text", "text": "Bonjour"}]
			}],
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`)
	})
	r := newRelay(t, upstream.URL+"/v1/responses", nil)

	w := r.do(t, http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":32,"system":"Be French.","messages":[{"role":"user","content":"Hello"}]}`,
		map[string]string{"x-api-key": "k"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var msg anthropic.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "Bonjour", msg.Content[0].Text)
	assert.Equal(t, anthropic.StopReasonEndTurn, msg.StopReason)

	sent := upstream.lastBody()
	assert.Equal(t, "Be French.", gjson.Get(sent, "instructions").String())
	assert.Equal(t, int64(32), gjson.Get(sent, "max_output_tokens").Int())
}

func TestSnapshotSwapAffectsNewRequests(t *testing.T) {
	first := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody)
	})
	second := newFakeUpstream(t, func(w http.ResponseWriter, body []byte) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody)
	})
	r := newRelay(t, first.URL+"/v1", nil)
	body := `{"model":"m","max_tokens":16,"messages":[{"role":"user","content":"Hello"}]}`

	r.do(t, http.MethodPost, "/v1/messages", body, map[string]string{"x-api-key": "k"})

	cfg := config.Default()
	cfg.BaseURL = second.URL + "/v1"
	_, err := r.store.Apply(cfg)
	require.NoError(t, err)

	r.do(t, http.MethodPost, "/v1/messages", body, map[string]string{"x-api-key": "k"})

	assert.Len(t, first.bodies, 1)
	assert.Len(t, second.bodies, 1)
}

func TestHealth(t *testing.T) {
	r := newRelay(t, "http://upstream.local/v1", nil)

	w := r.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "ok",
		"backend": "chat_completions",
		"upstream": "http://upstream.local/v1/chat/completions",
		"version": "test"
	}`, w.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	r := newRelay(t, "http://upstream.local/v1", nil)

	w := r.do(t, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name     string
		header   map[string]string
		fallback string
		want     string
	}{
		{"x-api-key", map[string]string{"X-Api-Key": "a", "Authorization": "Bearer b"}, "c", "a"},
		{"bearer", map[string]string{"Authorization": "Bearer b"}, "c", "b"},
		{"lowercase scheme", map[string]string{"Authorization": "bearer b"}, "", "b"},
		{"basic ignored", map[string]string{"Authorization": "Basic Zm9v"}, "c", "c"},
		{"fallback", nil, "c", "c"},
		{"none", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			for k, v := range tt.header {
				c.Request.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, credential(c, tt.fallback))
		})
	}
}
