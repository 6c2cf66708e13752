package backend

import (
	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/nonstream"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/request"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/stream"
	"github.com/tingly-dev/anthropic-adapter/internal/protocol/token"
)

type chatAdapter struct {
	endpoint string
	counter  *token.Counter
	opts     request.Options
}

func (a *chatAdapter) Variant() protocol.Variant { return protocol.VariantChatCompletions }

func (a *chatAdapter) Endpoint() string { return a.endpoint }

func (a *chatAdapter) TranslateRequest(req *protocol.MessagesRequest, tc *protocol.TranslationContext) ([]byte, error) {
	return request.BuildChatRequest(req, tc, a.opts)
}

func (a *chatAdapter) TranslateResponse(body []byte, tc *protocol.TranslationContext) (*protocol.MessageResponse, error) {
	msg, err := nonstream.DecodeChatResponse(body, tc)
	if err != nil {
		return nil, err
	}
	estimateOutput(msg, a.counter)
	return msg, nil
}

func (a *chatAdapter) NewStreamReconstructor(tc *protocol.TranslationContext) stream.Reconstructor {
	return stream.NewChatReconstructor(tc, a.counter)
}
