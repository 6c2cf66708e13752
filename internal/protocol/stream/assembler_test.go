package stream

import (
	"encoding/json"
	"strings"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// Assembler rebuilds the final message from the events a sink received,
// so tests can compare a stream against the non-streaming translation.
type Assembler struct {
	msg    *protocol.MessageResponse
	blocks map[int]*protocol.ContentBlock
	args   map[int]*strings.Builder
	order  []int
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		blocks: make(map[int]*protocol.ContentBlock),
		args:   make(map[int]*strings.Builder),
	}
}

// Record applies one event.
func (a *Assembler) Record(ev protocol.StreamEvent) {
	switch e := ev.(type) {
	case *protocol.MessageStartEvent:
		msg := e.Message
		a.msg = &msg
	case *protocol.ContentBlockStartEvent:
		block := e.ContentBlock
		a.blocks[e.Index] = &block
		a.order = append(a.order, e.Index)
	case *protocol.ContentBlockDeltaEvent:
		block, ok := a.blocks[e.Index]
		if !ok {
			return
		}
		switch e.Delta.Type {
		case protocol.DeltaTypeText:
			block.Text += e.Delta.Text
		case protocol.DeltaTypeThinking:
			block.Thinking += e.Delta.Thinking
		case protocol.DeltaTypeInputJSON:
			sb, ok := a.args[e.Index]
			if !ok {
				sb = &strings.Builder{}
				a.args[e.Index] = sb
			}
			sb.WriteString(e.Delta.PartialJSON)
		}
	case *protocol.ContentBlockStopEvent:
		if sb, ok := a.args[e.Index]; ok {
			if raw := json.RawMessage(sb.String()); json.Valid(raw) {
				a.blocks[e.Index].Input = raw
			}
		}
	case *protocol.MessageDeltaEvent:
		if a.msg == nil {
			return
		}
		stop := e.Delta.StopReason
		a.msg.StopReason = &stop
		a.msg.StopSequence = e.Delta.StopSequence
		if e.Usage.InputTokens > 0 {
			a.msg.Usage.InputTokens = e.Usage.InputTokens
		}
		a.msg.Usage.OutputTokens = e.Usage.OutputTokens
	}
}

// Finish returns the assembled message, or nil when no message_start was seen.
func (a *Assembler) Finish() *protocol.MessageResponse {
	if a == nil || a.msg == nil {
		return nil
	}
	msg := *a.msg
	msg.Content = make([]protocol.ContentBlock, 0, len(a.order))
	for _, index := range a.order {
		msg.Content = append(msg.Content, *a.blocks[index])
	}
	if msg.StopReason == nil {
		stop := protocol.StopReasonEndTurn
		msg.StopReason = &stop
	}
	return &msg
}
