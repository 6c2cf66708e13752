package server

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

const keyErrorType = "error_type"

// SendError writes err as a Protocol-A error envelope.
func SendError(c *gin.Context, err error) {
	status, body := protocol.ToErrorResponse(err)
	if status >= 500 {
		logrus.Warnf("Request failed with %d: %v", status, err)
	} else {
		logrus.Debugf("Request rejected with %d: %v", status, err)
	}
	c.Set(keyErrorType, body.Error.Type)
	c.AbortWithStatusJSON(status, body)
}

func sendErrorResponse(c *gin.Context, status int, errType, message string) {
	c.Set(keyErrorType, errType)
	c.AbortWithStatusJSON(status, protocol.NewErrorResponse(errType, message))
}
