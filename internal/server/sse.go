package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// SetupSSEHeaders sets the headers of an event-stream response.
func SetupSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// sseSink writes Protocol-A events to the client, one flush per event.
type sseSink struct {
	c       *gin.Context
	flusher http.Flusher
}

func newSSESink(c *gin.Context) (*sseSink, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseSink{c: c, flusher: flusher}, true
}

func (s *sseSink) Send(ev protocol.StreamEvent) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.c.SSEvent(ev.EventType(), string(data))
	s.flusher.Flush()
	return nil
}
