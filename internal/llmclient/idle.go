package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// idleDecoder cancels the upstream request when Next blocks for longer
// than idle.
type idleDecoder struct {
	ssestream.Decoder
	idle    time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	stalled atomic.Bool
}

func newIdleDecoder(dec ssestream.Decoder, idle time.Duration, cancel context.CancelFunc) *idleDecoder {
	d := &idleDecoder{Decoder: dec, idle: idle, cancel: cancel}
	d.timer = time.AfterFunc(idle, func() {
		d.stalled.Store(true)
		cancel()
	})
	d.timer.Stop()
	return d
}

func (d *idleDecoder) Next() bool {
	if d.stalled.Load() {
		return false
	}
	d.timer.Reset(d.idle)
	ok := d.Decoder.Next()
	d.timer.Stop()
	if d.stalled.Load() {
		return false
	}
	return ok
}

func (d *idleDecoder) Err() error {
	if d.stalled.Load() {
		return &protocol.UpstreamError{
			StatusCode: http.StatusGatewayTimeout,
			Message:    fmt.Sprintf("upstream stream stalled for more than %s", d.idle),
		}
	}
	return d.Decoder.Err()
}

func (d *idleDecoder) Close() error {
	d.timer.Stop()
	d.cancel()
	return d.Decoder.Close()
}
