package nonstream

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/tingly-dev/anthropic-adapter/internal/protocol"
)

// CheckErrorEnvelope returns an UpstreamError when a success-status body is
// an error envelope rather than a completion.
func CheckErrorEnvelope(body []byte) error {
	env := gjson.GetBytes(body, "error")
	if !env.Exists() || env.Type == gjson.Null {
		return nil
	}
	if gjson.GetBytes(body, "choices").Exists() || gjson.GetBytes(body, "output").IsArray() {
		return nil
	}
	return ParseUpstreamError(http.StatusBadGateway, body)
}

// ParseUpstreamError builds an UpstreamError from a backend error body,
// keeping the backend message verbatim. Both {"error":{"message":..}} and
// {"error":"..."} shapes are understood; anything else is passed through as
// the message.
func ParseUpstreamError(status int, body []byte) *protocol.UpstreamError {
	uerr := &protocol.UpstreamError{StatusCode: status}

	env := gjson.GetBytes(body, "error")
	switch {
	case env.IsObject():
		uerr.Message = env.Get("message").String()
		uerr.Type = env.Get("type").String()
		if code := env.Get("code"); status == http.StatusBadGateway && code.Type == gjson.Number {
			if c := int(code.Int()); c >= 400 && c < 600 {
				uerr.StatusCode = c
			}
		}
	case env.Type == gjson.String:
		uerr.Message = env.String()
	case gjson.GetBytes(body, "message").Exists():
		uerr.Message = gjson.GetBytes(body, "message").String()
	}
	if uerr.Message == "" {
		uerr.Message = string(body)
	}
	if uerr.Message == "" {
		uerr.Message = http.StatusText(status)
	}
	return uerr
}
