package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Context keys handlers set for the request log.
const (
	KeyStream       = "stream"
	KeyRequestModel = "request_model"
	KeyTargetModel  = "target_model"
)

// RequestLog replaces gin's access log with one logrus line per request.
func RequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		fields := logrus.Fields{
			"status":    c.Writer.Status(),
			"latency":   time.Since(start),
			"client_ip": c.ClientIP(),
			"method":    c.Request.Method,
			"path":      path,
			"stream":    c.GetBool(KeyStream),
		}
		if model := c.GetString(KeyRequestModel); model != "" {
			fields["model"] = model
		}
		if target := c.GetString(KeyTargetModel); target != "" {
			fields["target_model"] = target
		}

		entry := logrus.WithFields(fields)
		switch {
		case len(c.Errors) > 0:
			entry.Warn(c.Errors.ByType(gin.ErrorTypePrivate).String())
		case c.Writer.Status() >= 500:
			entry.Warn("Request failed")
		default:
			entry.Info("Request completed")
		}
	}
}
