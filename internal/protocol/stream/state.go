package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

// blockBuffer accumulates one open content block.
type blockBuffer struct {
	kind string
	id   string
	name string
	buf  bytes.Buffer
}

// State is the Protocol-A side of one streaming response: it owns block
// index bookkeeping, tool-argument accumulation, usage and the terminal
// stop reason, and turns high level operations into ordered events.
//
// Invariants: indices are opened as 0,1,2,... with at most one block open;
// a block only receives deltas while open; exactly one terminal sequence
// is produced and only after the open block is closed.
//
// A State belongs to a single request and is not safe for concurrent use.
type State struct {
	tc        *protocol.TranslationContext
	messageID string
	usage     *token.StreamCounter

	started  bool
	current  int
	next     int
	blocks   map[int]*blockBuffer
	finished bool

	stopReason   string
	stopSequence *string

	integrity []error
	out       []protocol.StreamEvent
}

// NewState creates the state for one stream. counter may be nil, which
// disables the output estimate.
func NewState(tc *protocol.TranslationContext, counter *token.Counter) *State {
	return &State{
		tc:        tc,
		messageID: protocol.NewMessageID(),
		usage:     token.NewStreamCounter(counter, int(tc.InputTokens)),
		current:   -1,
		blocks:    make(map[int]*blockBuffer),
	}
}

// MessageID returns the id announced in message_start.
func (s *State) MessageID() string {
	return s.messageID
}

// Start emits message_start once.
func (s *State) Start() {
	if s.started {
		return
	}
	s.started = true
	in, _ := s.usage.GetCounts()
	s.emit(protocol.NewMessageStartEvent(s.messageID, s.tc.RequestModel, int64(in)))
}

// Finished reports whether the terminal sequence has been produced.
func (s *State) Finished() bool {
	return s.finished
}

// StopPending reports whether a stop reason was recorded but the terminal
// events are still held back.
func (s *State) StopPending() bool {
	return s.stopReason != "" && !s.finished
}

// CurrentKind returns the type of the open block, or "" when none is open.
func (s *State) CurrentKind() string {
	if b, ok := s.blocks[s.current]; ok {
		return b.kind
	}
	return ""
}

// CurrentIndex returns the open block index, -1 when none is open.
func (s *State) CurrentIndex() int {
	if _, ok := s.blocks[s.current]; ok {
		return s.current
	}
	return -1
}

// IsOpen reports whether index is the open block.
func (s *State) IsOpen(index int) bool {
	_, ok := s.blocks[index]
	return ok
}

// OpenText closes the open block and opens a text block.
func (s *State) OpenText() int {
	return s.open(protocol.NewTextBlock(""))
}

// OpenThinking closes the open block and opens a thinking block.
func (s *State) OpenThinking() int {
	return s.open(protocol.NewThinkingBlock("", ""))
}

// OpenToolUse closes the open block and opens a tool_use block. An empty
// id is replaced with a synthesized one.
func (s *State) OpenToolUse(id, name string) int {
	if id == "" {
		id = protocol.NewToolUseID()
	}
	if len(s.tc.Tools) > 0 && !s.tc.HasTool(name) {
		logrus.Warnf("Stream %s: backend called undeclared tool %q", s.messageID, name)
	}
	return s.open(protocol.NewToolUseBlock(id, name, nil))
}

func (s *State) open(block protocol.ContentBlock) int {
	s.Start()
	s.CloseCurrent()

	index := s.next
	s.next++
	s.current = index
	s.blocks[index] = &blockBuffer{kind: block.Type, id: block.ID, name: block.Name}
	s.usage.AddOutput(block.Name)
	s.emit(&protocol.ContentBlockStartEvent{
		Type:         protocol.EventContentBlockStart,
		Index:        index,
		ContentBlock: block,
	})
	return index
}

// AppendText forwards a text delta to the open text block at index.
func (s *State) AppendText(index int, text string) {
	s.appendDelta(index, protocol.BlockDelta{Type: protocol.DeltaTypeText, Text: text}, text)
}

// AppendThinking forwards a thinking delta to the open thinking block at index.
func (s *State) AppendThinking(index int, text string) {
	s.appendDelta(index, protocol.BlockDelta{Type: protocol.DeltaTypeThinking, Thinking: text}, text)
}

// AppendArguments forwards a partial-JSON fragment to the open tool_use
// block at index. Fragments are not parsed until the block closes.
func (s *State) AppendArguments(index int, fragment string) {
	s.appendDelta(index, protocol.BlockDelta{Type: protocol.DeltaTypeInputJSON, PartialJSON: fragment}, fragment)
}

// BufferedLen returns the accumulated size of the open block at index.
func (s *State) BufferedLen(index int) int {
	if b, ok := s.blocks[index]; ok {
		return b.buf.Len()
	}
	return 0
}

// ArgumentsComplete reports whether the open tool_use block at index holds
// one complete JSON value.
func (s *State) ArgumentsComplete(index int) bool {
	b, ok := s.blocks[index]
	if !ok || b.kind != protocol.BlockTypeToolUse {
		return false
	}
	args := bytes.TrimSpace(b.buf.Bytes())
	return len(args) > 0 && json.Valid(args)
}

func (s *State) appendDelta(index int, delta protocol.BlockDelta, fragment string) {
	if fragment == "" {
		return
	}
	b, ok := s.blocks[index]
	if !ok {
		err := &protocol.StreamIntegrityError{Index: index, Reason: "delta for a block that is not open"}
		logrus.Warnf("Dropping %s fragment: %v", delta.Type, err)
		s.integrity = append(s.integrity, err)
		return
	}
	b.buf.WriteString(fragment)
	s.usage.AddOutput(fragment)
	s.emit(&protocol.ContentBlockDeltaEvent{
		Type:  protocol.EventContentBlockDelta,
		Index: index,
		Delta: delta,
	})
}

// CloseCurrent closes the open block, if any. A tool_use block whose
// accumulated arguments are not one complete JSON value records a
// block-scoped integrity error; the stream itself continues.
func (s *State) CloseCurrent() {
	b, ok := s.blocks[s.current]
	if !ok {
		return
	}
	index := s.current
	if b.kind == protocol.BlockTypeToolUse {
		args := bytes.TrimSpace(b.buf.Bytes())
		if len(args) > 0 && !json.Valid(args) {
			err := &protocol.StreamIntegrityError{
				Index:  index,
				Reason: fmt.Sprintf("tool %q arguments are not valid JSON", b.name),
			}
			logrus.Warnf("Stream %s: %v", s.messageID, err)
			s.integrity = append(s.integrity, err)
		}
	}
	delete(s.blocks, index)
	s.emit(&protocol.ContentBlockStopEvent{Type: protocol.EventContentBlockStop, Index: index})
}

// SetStop closes the open block and records the stop reason. Terminal
// events are produced by Finish.
func (s *State) SetStop(reason string, stopSequence *string) {
	s.Start()
	s.CloseCurrent()
	s.stopReason = reason
	s.stopSequence = stopSequence
}

// SetUsage records backend-reported usage.
func (s *State) SetUsage(inputTokens, outputTokens int64) {
	s.usage.SetReported(int(inputTokens), int(outputTokens))
}

// Usage returns the current usage: backend-reported when available,
// otherwise the running estimate.
func (s *State) Usage() protocol.Usage {
	in, out := s.usage.GetCounts()
	return protocol.Usage{InputTokens: int64(in), OutputTokens: int64(out)}
}

// Finish produces message_delta and message_stop. Without a recorded stop
// reason the message ends as end_turn.
func (s *State) Finish() {
	if s.finished {
		return
	}
	s.Start()
	s.CloseCurrent()
	if s.stopReason == "" {
		s.stopReason = protocol.StopReasonEndTurn
	}
	s.emit(&protocol.MessageDeltaEvent{
		Type:  protocol.EventMessageDelta,
		Delta: protocol.MessageDelta{StopReason: s.stopReason, StopSequence: s.stopSequence},
		Usage: s.Usage(),
	})
	s.emit(&protocol.MessageStopEvent{Type: protocol.EventMessageStop})
	s.finished = true
}

// Fail terminates the stream abnormally: the open block is closed, a
// message_delta with stop reason "error" is sent, then an error event.
// No message_stop follows.
func (s *State) Fail(err error) {
	if s.finished {
		return
	}
	s.Start()
	s.CloseCurrent()
	s.stopReason = protocol.StopReasonError
	s.emit(&protocol.MessageDeltaEvent{
		Type:  protocol.EventMessageDelta,
		Delta: protocol.MessageDelta{StopReason: protocol.StopReasonError},
		Usage: s.Usage(),
	})
	_, env := protocol.ToErrorResponse(err)
	s.emit(protocol.NewErrorEvent(env.Error.Type, env.Error.Message))
	s.finished = true
}

// StopReason returns the recorded stop reason.
func (s *State) StopReason() string {
	return s.stopReason
}

// IntegrityErrors returns the recovered block-scoped errors.
func (s *State) IntegrityErrors() []error {
	return s.integrity
}

// RecordIntegrity notes a recovered stream-level problem.
func (s *State) RecordIntegrity(err error) {
	s.integrity = append(s.integrity, err)
}

// Drain returns and clears the events produced since the last call.
func (s *State) Drain() []protocol.StreamEvent {
	out := s.out
	s.out = nil
	return out
}

func (s *State) emit(ev protocol.StreamEvent) {
	s.out = append(s.out, ev)
}
