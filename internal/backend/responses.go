package backend

import (
	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/nonstream"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/request"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/stream"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

type responsesAdapter struct {
	endpoint string
	counter  *token.Counter
	opts     request.Options
}

func (a *responsesAdapter) Variant() protocol.Variant { return protocol.VariantResponses }

func (a *responsesAdapter) Endpoint() string { return a.endpoint }

func (a *responsesAdapter) TranslateRequest(req *protocol.MessagesRequest, tc *protocol.TranslationContext) ([]byte, error) {
	return request.BuildResponsesRequest(req, tc, a.opts)
}

func (a *responsesAdapter) TranslateResponse(body []byte, tc *protocol.TranslationContext) (*protocol.MessageResponse, error) {
	msg, err := nonstream.DecodeResponsesResponse(body, tc)
	if err != nil {
		return nil, err
	}
	estimateOutput(msg, a.counter)
	return msg, nil
}

func (a *responsesAdapter) NewStreamReconstructor(tc *protocol.TranslationContext) stream.Reconstructor {
	return stream.NewResponsesReconstructor(tc, a.counter)
}
