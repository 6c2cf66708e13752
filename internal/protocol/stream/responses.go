package stream

import (
	"bytes"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

// Responses stream event types
const (
	responsesEventCreated           = "response.created"
	responsesEventInProgress        = "response.in_progress"
	responsesEventOutputItemAdded   = "response.output_item.added"
	responsesEventOutputItemDone    = "response.output_item.done"
	responsesEventOutputTextDelta   = "response.output_text.delta"
	responsesEventRefusalDelta      = "response.refusal.delta"
	responsesEventReasoningSummary  = "response.reasoning_summary_text.delta"
	responsesEventReasoningText     = "response.reasoning_text.delta"
	responsesEventFunctionArgsDelta = "response.function_call_arguments.delta"
	responsesEventFunctionArgsDone  = "response.function_call_arguments.done"
	responsesEventCompleted         = "response.completed"
	responsesEventIncomplete        = "response.incomplete"
	responsesEventFailed            = "response.failed"
	responsesEventError             = "error"
	responsesItemTypeFunctionCall   = "function_call"
)

// ResponsesReconstructor rebuilds a Protocol-A stream from responses-style
// events.
type ResponsesReconstructor struct {
	state *State

	// output_index -> Protocol-A block index for function calls
	toolBlocks map[int64]int

	events        int
	lastMalformed bool
}

// NewResponsesReconstructor creates a reconstructor for one stream.
func NewResponsesReconstructor(tc *protocol.TranslationContext, counter *token.Counter) *ResponsesReconstructor {
	return &ResponsesReconstructor{
		state:      NewState(tc, counter),
		toolBlocks: make(map[int64]int),
	}
}

func (r *ResponsesReconstructor) Consume(ev ssestream.Event) []protocol.StreamEvent {
	if r.state.Finished() {
		return nil
	}
	r.events++
	data := bytes.TrimSpace(ev.Data)
	r.state.Start()

	if len(data) == 0 {
		return r.state.Drain()
	}
	if bytes.Equal(data, doneMarker) {
		r.terminate()
		return r.state.Drain()
	}
	if !gjson.ValidBytes(data) {
		r.lastMalformed = true
		logrus.Warnf("Skipping malformed responses event #%d (%s): %s", r.events, ev.Type, preview(data))
		r.state.RecordIntegrity(&protocol.StreamIntegrityError{Index: -1, Reason: "malformed event"})
		return r.state.Drain()
	}
	r.lastMalformed = false

	payload := gjson.ParseBytes(data)
	kind := payload.Get("type").String()
	if kind == "" {
		kind = ev.Type
	}

	switch kind {
	case responsesEventCreated, responsesEventInProgress:
	case responsesEventOutputItemAdded:
		item := payload.Get("item")
		if item.Get("type").String() == responsesItemTypeFunctionCall {
			r.openTool(payload.Get("output_index").Int(), item)
		}
	case responsesEventOutputTextDelta, responsesEventRefusalDelta:
		r.appendText(payload.Get("delta").String())
	case responsesEventReasoningSummary, responsesEventReasoningText:
		r.appendThinking(payload.Get("delta").String())
	case responsesEventFunctionArgsDelta:
		index := r.toolIndex(payload)
		r.state.AppendArguments(index, payload.Get("delta").String())
	case responsesEventFunctionArgsDone:
		// some backends only send the full arguments here
		index := r.toolIndex(payload)
		if r.state.IsOpen(index) && r.state.BufferedLen(index) == 0 {
			r.state.AppendArguments(index, payload.Get("arguments").String())
		}
	case responsesEventOutputItemDone:
		if index, ok := r.toolBlocks[payload.Get("output_index").Int()]; ok && r.state.CurrentIndex() == index {
			item := payload.Get("item")
			if r.state.BufferedLen(index) == 0 {
				r.state.AppendArguments(index, item.Get("arguments").String())
			}
			r.state.CloseCurrent()
		}
	case responsesEventCompleted, responsesEventIncomplete:
		resp := payload.Get("response")
		if u := resp.Get("usage"); u.Exists() {
			r.state.SetUsage(u.Get("input_tokens").Int(), u.Get("output_tokens").Int())
		}
		stop := protocol.MapResponsesStatus(resp.Get("status").String(), resp.Get("incomplete_details.reason").String(), len(r.toolBlocks) > 0)
		r.state.SetStop(stop, nil)
		r.state.Finish()
	case responsesEventFailed:
		msg := payload.Get("response.error.message").String()
		if msg == "" {
			msg = "response failed"
		}
		r.state.Fail(&protocol.UpstreamError{StatusCode: 502, Type: payload.Get("response.error.code").String(), Message: msg})
	case responsesEventError:
		msg := payload.Get("message").String()
		if msg == "" {
			msg = payload.Get("error.message").String()
		}
		r.state.Fail(&protocol.UpstreamError{StatusCode: 502, Type: payload.Get("code").String(), Message: msg})
	default:
		logrus.Debugf("Ignoring responses event %s", kind)
	}
	return r.state.Drain()
}

func (r *ResponsesReconstructor) openTool(outputIndex int64, item gjson.Result) int {
	id := item.Get("call_id").String()
	if id == "" {
		id = item.Get("id").String()
	}
	index := r.state.OpenToolUse(id, item.Get("name").String())
	r.toolBlocks[outputIndex] = index
	return index
}

// toolIndex resolves the block for an arguments event, opening one when
// the backend skipped output_item.added.
func (r *ResponsesReconstructor) toolIndex(payload gjson.Result) int {
	outputIndex := payload.Get("output_index").Int()
	if index, ok := r.toolBlocks[outputIndex]; ok {
		return index
	}
	return r.openTool(outputIndex, payload)
}

func (r *ResponsesReconstructor) appendText(text string) {
	if text == "" {
		return
	}
	index := r.state.CurrentIndex()
	if r.state.CurrentKind() != protocol.BlockTypeText {
		index = r.state.OpenText()
	}
	r.state.AppendText(index, text)
}

func (r *ResponsesReconstructor) appendThinking(text string) {
	if text == "" {
		return
	}
	index := r.state.CurrentIndex()
	if r.state.CurrentKind() != protocol.BlockTypeThinking {
		index = r.state.OpenThinking()
	}
	r.state.AppendThinking(index, text)
}

func (r *ResponsesReconstructor) Close(err error) []protocol.StreamEvent {
	switch {
	case r.state.Finished():
	case err != nil:
		r.state.Fail(err)
	default:
		r.terminate()
	}
	return r.state.Drain()
}

// terminate ends a feed that reached [DONE] or EOF without a terminal
// response event. A malformed last event is taken to be the lost terminal
// event and fails the stream.
func (r *ResponsesReconstructor) terminate() {
	if r.lastMalformed && !r.state.StopPending() {
		r.state.Fail(&protocol.StreamIntegrityError{Index: -1, Reason: "stream ended with a malformed event"})
		return
	}
	r.state.Finish()
}

func (r *ResponsesReconstructor) Done() bool {
	return r.state.Finished()
}

func (r *ResponsesReconstructor) Usage() protocol.Usage {
	return r.state.Usage()
}

func (r *ResponsesReconstructor) StopReason() string {
	return r.state.StopReason()
}
