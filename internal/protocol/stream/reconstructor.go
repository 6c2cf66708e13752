package stream

import (
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// Reconstructor turns one backend event feed into a Protocol-A event
// sequence. Each upstream event yields zero or more events, returned before
// the next upstream event is read.
type Reconstructor interface {
	// Consume handles one upstream server-sent event.
	Consume(ev ssestream.Event) []protocol.StreamEvent
	// Close ends the stream. A nil err means the feed reached EOF cleanly;
	// anything else terminates the stream with an error event.
	Close(err error) []protocol.StreamEvent
	// Done reports whether the terminal sequence was produced.
	Done() bool
	// Usage returns the usage reported so far.
	Usage() protocol.Usage
	// StopReason returns the terminal stop reason, empty until known.
	StopReason() string
}

const malformedPreview = 200

func preview(data []byte) string {
	if len(data) > malformedPreview {
		return string(data[:malformedPreview]) + "..."
	}
	return string(data)
}
