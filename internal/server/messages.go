package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/anthropic-adapter/internal/config"
	"github.com/tingly-dev/anthropic-adapter/internal/obs/otel"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/stream"
	"github.com/tingly-dev/anthropic-adapter/internal/server/middleware"
)

// Messages handles POST /v1/messages.
func (s *Server) Messages(c *gin.Context) {
	start := time.Now()
	snap := s.store.Current()

	var req protocol.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.Debugf("Invalid JSON request received: %v", err)
		SendError(c, &protocol.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		SendError(c, err)
		return
	}

	apiKey := credential(c, snap.Config.APIKey)
	if apiKey == "" {
		sendErrorResponse(c, http.StatusUnauthorized, protocol.ErrorTypeAuthentication,
			"missing credential: send x-api-key or Authorization: Bearer")
		return
	}

	targetModel := snap.ResolveModel(req.Model)
	c.Set(middleware.KeyStream, req.Stream)
	c.Set(middleware.KeyRequestModel, req.Model)
	c.Set(middleware.KeyTargetModel, targetModel)

	inputTokens := snap.Counter.CountMessagesRequest(&req)
	tc := protocol.NewTranslationContext(&req, snap.Adapter.Variant(), targetModel, inputTokens)

	body, err := snap.Adapter.TranslateRequest(&req, tc)
	if err != nil {
		SendError(c, err)
		return
	}

	ex := &exchange{server: s, snap: snap, tc: tc, apiKey: apiKey, body: body, start: start}
	if req.Stream {
		ex.stream(c)
	} else {
		ex.complete(c)
	}
}

// exchange is one relayed request bound to the snapshot it started with.
type exchange struct {
	server *Server
	snap   *config.Snapshot
	tc     *protocol.TranslationContext
	apiKey string
	body   []byte
	start  time.Time
}

func (ex *exchange) complete(c *gin.Context) {
	ctx := c.Request.Context()
	respBody, err := ex.snap.Client.Post(ctx, ex.snap.Adapter.Endpoint(), ex.apiKey, ex.body)
	if err != nil {
		ex.fail(c, err)
		return
	}
	msg, err := ex.snap.Adapter.TranslateResponse(respBody, ex.tc)
	if err != nil {
		ex.fail(c, err)
		return
	}

	ex.record(ctx, msg.Usage, otel.StatusSuccess, "")
	c.JSON(http.StatusOK, msg)
}

func (ex *exchange) fail(c *gin.Context, err error) {
	status := otel.StatusError
	errType := ""
	if errors.Is(err, context.Canceled) {
		status = otel.StatusCanceled
	} else {
		_, body := protocol.ToErrorResponse(err)
		errType = body.Error.Type
	}
	ex.record(c.Request.Context(), protocol.Usage{InputTokens: ex.tc.InputTokens}, status, errType)
	if status == otel.StatusCanceled {
		logrus.Debugf("Client went away before the upstream answered")
		c.Abort()
		return
	}
	SendError(c, err)
}

func (ex *exchange) stream(c *gin.Context) {
	ctx := c.Request.Context()
	dec, err := ex.snap.Client.Stream(ctx, ex.snap.Adapter.Endpoint(), ex.apiKey, ex.body)
	if err != nil {
		ex.fail(c, err)
		return
	}
	defer func() {
		if err := dec.Close(); err != nil {
			logrus.Debugf("Error closing upstream stream: %v", err)
		}
	}()

	sink, ok := newSSESink(c)
	if !ok {
		sendErrorResponse(c, http.StatusInternalServerError, protocol.ErrorTypeAPI, "streaming not supported by this connection")
		return
	}
	SetupSSEHeaders(c)
	c.Status(http.StatusOK)

	r := ex.snap.Adapter.NewStreamReconstructor(ex.tc)

	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.Errorf("Panic in streaming handler: %v", recovered)
			ev := protocol.NewErrorEvent(protocol.ErrorTypeAPI, fmt.Sprintf("internal streaming error: %v", recovered))
			_ = sink.Send(ev)
			ex.record(ctx, r.Usage(), otel.StatusError, protocol.ErrorTypeAPI)
		}
	}()

	res, err := stream.Pipe(ctx, dec, r, sink)

	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		logrus.Debugf("Client disconnected after %d events, upstream aborted", res.Events)
		ex.record(ctx, res.Usage, otel.StatusCanceled, "")
	case res.Failure != nil:
		c.Set(keyErrorType, res.Failure.Type)
		ex.record(ctx, res.Usage, otel.StatusError, res.Failure.Type)
	case err != nil:
		logrus.Warnf("Stream to client ended early: %v", err)
		ex.record(ctx, res.Usage, otel.StatusError, protocol.ErrorTypeAPI)
	default:
		ex.record(ctx, res.Usage, otel.StatusSuccess, "")
	}

	logrus.WithFields(logrus.Fields{
		"id":            res.MessageID,
		"stop_reason":   res.StopReason,
		"blocks":        res.Blocks,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
	}).Debug("Stream finished")
}

func (ex *exchange) record(ctx context.Context, usage protocol.Usage, status, errType string) {
	// usage is recorded even when the client is gone
	ex.server.tracker.RecordUsage(context.WithoutCancel(ctx), otel.UsageOptions{
		Backend:      string(ex.tc.Variant),
		Model:        ex.tc.TargetModel,
		RequestModel: ex.tc.RequestModel,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Streamed:     ex.tc.Stream,
		Status:       status,
		ErrorType:    errType,
		Latency:      time.Since(ex.start),
	})
}
