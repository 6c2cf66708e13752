package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/nonstream"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

var doneMarker = []byte("[DONE]")

// ChatReconstructor rebuilds a Protocol-A stream from chat-completions
// chunks.
type ChatReconstructor struct {
	state *State

	// backend tool_calls[].index -> Protocol-A block index
	toolBlocks map[int64]int
	// calls announced while another call's arguments are still incomplete,
	// opened in arrival order once the open call completes
	pending      map[int64]*pendingCall
	pendingOrder []int64

	chunks        int
	lastMalformed bool
}

// NewChatReconstructor creates a reconstructor for one stream.
func NewChatReconstructor(tc *protocol.TranslationContext, counter *token.Counter) *ChatReconstructor {
	return &ChatReconstructor{
		state:      NewState(tc, counter),
		toolBlocks: make(map[int64]int),
		pending:    make(map[int64]*pendingCall),
	}
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (r *ChatReconstructor) Consume(ev ssestream.Event) []protocol.StreamEvent {
	if r.state.Finished() {
		return nil
	}
	r.chunks++
	data := bytes.TrimSpace(ev.Data)
	r.state.Start()

	if bytes.Equal(data, doneMarker) {
		r.terminate()
		return r.state.Drain()
	}
	if len(data) == 0 {
		return r.state.Drain()
	}

	if ev.Type == "error" || isErrorChunk(data) {
		r.state.Fail(nonstream.ParseUpstreamError(502, data))
		return r.state.Drain()
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		r.malformed(data, err)
		return r.state.Drain()
	}
	r.lastMalformed = false

	if len(chunk.Choices) > 0 {
		r.consumeChoice(chunk.Choices[0], data)
	}

	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		r.state.SetUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		// the usage chunk trails the finish_reason chunk
		if r.state.StopPending() {
			r.state.Finish()
		}
	}
	return r.state.Drain()
}

func (r *ChatReconstructor) consumeChoice(choice openai.ChatCompletionChunkChoice, raw []byte) {
	delta := choice.Delta

	if reasoning := gjson.GetBytes(raw, "choices.0.delta.reasoning_content").String(); reasoning != "" {
		r.flushPending()
		index := r.state.CurrentIndex()
		if r.state.CurrentKind() != protocol.BlockTypeThinking {
			index = r.state.OpenThinking()
		}
		r.state.AppendThinking(index, reasoning)
	}

	if text := delta.Refusal + delta.Content; text != "" {
		r.flushPending()
		index := r.state.CurrentIndex()
		if r.state.CurrentKind() != protocol.BlockTypeText {
			index = r.state.OpenText()
		}
		r.state.AppendText(index, text)
	}

	for _, call := range delta.ToolCalls {
		r.consumeToolCall(call.Index, call.ID, call.Function.Name, call.Function.Arguments)
	}

	if choice.FinishReason != "" {
		r.flushPending()
		r.state.SetStop(protocol.ResolveStopReason(choice.FinishReason, len(r.toolBlocks) > 0), nil)
	}
}

// consumeToolCall routes one tool_calls[] delta. Some backends announce
// every call before streaming any arguments, so a call that shows up while
// the open call is incomplete is held back instead of closing it.
func (r *ChatReconstructor) consumeToolCall(backendIndex int64, id, name, args string) {
	if index, ok := r.toolBlocks[backendIndex]; ok {
		r.state.AppendArguments(index, args)
		r.promotePending()
		return
	}
	if p, ok := r.pending[backendIndex]; ok {
		if p.id == "" {
			p.id = id
		}
		if p.name == "" {
			p.name = name
		}
		p.args.WriteString(args)
		return
	}
	if len(r.pendingOrder) > 0 || r.toolIncomplete() {
		p := &pendingCall{id: id, name: name}
		p.args.WriteString(args)
		r.pending[backendIndex] = p
		r.pendingOrder = append(r.pendingOrder, backendIndex)
		return
	}
	r.openTool(backendIndex, id, name, args)
}

func (r *ChatReconstructor) toolIncomplete() bool {
	index := r.state.CurrentIndex()
	return r.state.CurrentKind() == protocol.BlockTypeToolUse && !r.state.ArgumentsComplete(index)
}

func (r *ChatReconstructor) openTool(backendIndex int64, id, name, args string) {
	index := r.state.OpenToolUse(id, name)
	r.toolBlocks[backendIndex] = index
	r.state.AppendArguments(index, args)
}

// promotePending opens held-back calls while the open call is complete.
func (r *ChatReconstructor) promotePending() {
	for len(r.pendingOrder) > 0 && !r.toolIncomplete() {
		r.openNextPending()
	}
}

// flushPending opens every held-back call, used when the tool calls are over.
func (r *ChatReconstructor) flushPending() {
	for len(r.pendingOrder) > 0 {
		r.openNextPending()
	}
}

func (r *ChatReconstructor) openNextPending() {
	backendIndex := r.pendingOrder[0]
	r.pendingOrder = r.pendingOrder[1:]
	p := r.pending[backendIndex]
	delete(r.pending, backendIndex)
	r.openTool(backendIndex, p.id, p.name, p.args.String())
}

// terminate ends a feed that reached [DONE] or EOF. When the last chunk was
// malformed and no finish_reason was seen, the terminal chunk itself was
// lost and the stream fails.
func (r *ChatReconstructor) terminate() {
	if r.lastMalformed && !r.state.StopPending() {
		r.state.Fail(&protocol.StreamIntegrityError{Index: -1, Reason: "stream ended with a malformed chunk"})
		return
	}
	r.flushPending()
	r.state.Finish()
}

func (r *ChatReconstructor) malformed(data []byte, err error) {
	r.lastMalformed = true
	logrus.Warnf("Skipping malformed chat chunk #%d: %v: %s", r.chunks, err, preview(data))
	r.state.RecordIntegrity(&protocol.StreamIntegrityError{Index: -1, Reason: "malformed chunk", Err: err})
}

func (r *ChatReconstructor) Close(err error) []protocol.StreamEvent {
	switch {
	case r.state.Finished():
	case err != nil:
		r.state.Fail(err)
	default:
		r.terminate()
	}
	return r.state.Drain()
}

func (r *ChatReconstructor) Done() bool {
	return r.state.Finished()
}

func (r *ChatReconstructor) Usage() protocol.Usage {
	return r.state.Usage()
}

func (r *ChatReconstructor) StopReason() string {
	return r.state.StopReason()
}

// isErrorChunk detects an error envelope sent in place of a chunk.
func isErrorChunk(data []byte) bool {
	env := gjson.GetBytes(data, "error")
	return env.Exists() && env.Type != gjson.Null && !gjson.GetBytes(data, "choices").Exists()
}
