package stream

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// Sink receives Protocol-A events in order. Send must not retain ev.
type Sink interface {
	Send(ev protocol.StreamEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev protocol.StreamEvent) error

func (f SinkFunc) Send(ev protocol.StreamEvent) error { return f(ev) }

// Result summarizes a piped stream. It is filled in as events pass
// through; no block content is retained.
type Result struct {
	MessageID  string
	Usage      protocol.Usage
	StopReason string
	Events     int
	Blocks     int
	// Failure is the error event sent to the client, if any.
	Failure *protocol.ErrorDetail
}

func (res *Result) observe(ev protocol.StreamEvent) {
	res.Events++
	switch e := ev.(type) {
	case *protocol.MessageStartEvent:
		res.MessageID = e.Message.ID
	case *protocol.ContentBlockStartEvent:
		res.Blocks++
	case *protocol.ErrorEvent:
		detail := e.Error
		res.Failure = &detail
	}
}

// Pipe drives dec through r into sink until the terminal sequence is sent,
// the feed ends, or ctx is cancelled. Each upstream event is fully
// translated and written before the next is read. The decoder is not
// closed.
//
// The returned error reports why piping stopped early: a failed client
// write, a cancelled ctx, or an upstream read error (already reported to
// the client as an error event).
func Pipe(ctx context.Context, dec ssestream.Decoder, r Reconstructor, sink Sink) (*Result, error) {
	res := &Result{}

	send := func(events []protocol.StreamEvent) error {
		for _, ev := range events {
			res.observe(ev)
			if err := sink.Send(ev); err != nil {
				return fmt.Errorf("write %s event: %w", ev.EventType(), err)
			}
		}
		return nil
	}
	finish := func(err error) (*Result, error) {
		res.Usage = r.Usage()
		res.StopReason = r.StopReason()
		return res, err
	}

	for !r.Done() && dec.Next() {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if err := send(r.Consume(dec.Event())); err != nil {
			return finish(err)
		}
	}

	if err := ctx.Err(); err != nil {
		return finish(err)
	}

	readErr := dec.Err()
	if !r.Done() {
		if err := send(r.Close(readErr)); err != nil {
			return finish(err)
		}
	}
	return finish(readErr)
}
