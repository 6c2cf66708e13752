package server

import (
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
	"github.com/tingly-dev/anthropic-adapter/internal/server/middleware"
)

// CountTokens estimates the input tokens of a request without calling the
// backend.
func (s *Server) CountTokens(c *gin.Context) {
	snap := s.store.Current()

	var req protocol.CountTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.Debugf("Invalid JSON request received: %v", err)
		SendError(c, &protocol.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		SendError(c, err)
		return
	}
	c.Set(middleware.KeyRequestModel, req.Model)

	count := snap.Counter.CountRequest(&req)
	c.JSON(http.StatusOK, anthropic.MessageTokensCount{
		InputTokens: int64(count),
	})
}
