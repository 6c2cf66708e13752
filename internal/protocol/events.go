package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol-A stream event names
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Protocol-A delta types
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// StreamEvent is one named server-sent event of a Protocol-A stream.
type StreamEvent interface {
	EventType() string
}

// MessageStartEvent opens the message.
type MessageStartEvent struct {
	Type    string          `json:"type"`
	Message MessageResponse `json:"message"`
}

func (e *MessageStartEvent) EventType() string { return EventMessageStart }

// NewMessageStartEvent returns a message_start carrying the partially known message.
func NewMessageStartEvent(id, model string, inputTokens int64) *MessageStartEvent {
	msg := NewMessageResponse(id, model)
	msg.Usage.InputTokens = inputTokens
	return &MessageStartEvent{Type: EventMessageStart, Message: *msg}
}

// ContentBlockStartEvent opens the block at Index.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func (e *ContentBlockStartEvent) EventType() string { return EventContentBlockStart }

// BlockDelta is the payload of a content_block_delta.
type BlockDelta struct {
	Type        string
	Text        string
	PartialJSON string
	Thinking    string
}

func (d BlockDelta) MarshalJSON() ([]byte, error) {
	switch d.Type {
	case DeltaTypeText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{d.Type, d.Text})
	case DeltaTypeInputJSON:
		return json.Marshal(struct {
			Type        string `json:"type"`
			PartialJSON string `json:"partial_json"`
		}{d.Type, d.PartialJSON})
	case DeltaTypeThinking:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Thinking string `json:"thinking"`
		}{d.Type, d.Thinking})
	}
	return nil, fmt.Errorf("unknown delta type %q", d.Type)
}

// ContentBlockDeltaEvent appends to the block at Index.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

func (e *ContentBlockDeltaEvent) EventType() string { return EventContentBlockDelta }

// ContentBlockStopEvent closes the block at Index.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func (e *ContentBlockStopEvent) EventType() string { return EventContentBlockStop }

// MessageDelta carries the terminal stop reason.
type MessageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDeltaEvent reports the stop reason and running usage.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

func (e *MessageDeltaEvent) EventType() string { return EventMessageDelta }

// MessageStopEvent is the last event of a successful stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

func (e *MessageStopEvent) EventType() string { return EventMessageStop }

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func (e *ErrorEvent) EventType() string { return EventError }

// NewErrorEvent builds an error event.
func NewErrorEvent(errType, message string) *ErrorEvent {
	return &ErrorEvent{Type: EventError, Error: ErrorDetail{Type: errType, Message: message}}
}
