package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Protocol-A error types
const (
	ErrorTypeInvalidRequest  = "invalid_request_error"
	ErrorTypeAuthentication  = "authentication_error"
	ErrorTypePermission      = "permission_error"
	ErrorTypeNotFound        = "not_found_error"
	ErrorTypeRequestTooLarge = "request_too_large"
	ErrorTypeRateLimit       = "rate_limit_error"
	ErrorTypeAPI             = "api_error"
	ErrorTypeOverloaded      = "overloaded_error"
)

// ValidationError reports a malformed or unsupported inbound request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// TranslationError reports a backend payload that cannot be expressed in
// Protocol A.
type TranslationError struct {
	Reason string
	Err    error
}

func (e *TranslationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("translate backend response: %s: %v", e.Reason, e.Err)
	}
	return "translate backend response: " + e.Reason
}

func (e *TranslationError) Unwrap() error { return e.Err }

// UpstreamError is a non-success status or error envelope from the backend.
type UpstreamError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// StreamIntegrityError reports a malformed chunk or block inside a stream.
// Index is the Protocol-A block index, or -1 when no block is involved.
type StreamIntegrityError struct {
	Index  int
	Reason string
	Err    error
}

func (e *StreamIntegrityError) Error() string {
	msg := e.Reason
	if e.Index >= 0 {
		msg = fmt.Sprintf("block %d: %s", e.Index, e.Reason)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamIntegrityError) Unwrap() error { return e.Err }

// ErrorResponse is the Protocol-A error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error type and human readable message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}

// ErrorTypeForStatus picks the Protocol-A error type matching an HTTP status.
func ErrorTypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrorTypeInvalidRequest
	case http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case http.StatusForbidden:
		return ErrorTypePermission
	case http.StatusNotFound:
		return ErrorTypeNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrorTypeRequestTooLarge
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusServiceUnavailable, 529:
		return ErrorTypeOverloaded
	}
	if status >= 400 && status < 500 {
		return ErrorTypeInvalidRequest
	}
	return ErrorTypeAPI
}

// ToErrorResponse maps any error to an HTTP status and Protocol-A envelope.
func ToErrorResponse(err error) (int, ErrorResponse) {
	var (
		verr *ValidationError
		terr *TranslationError
		uerr *UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, NewErrorResponse(ErrorTypeInvalidRequest, verr.Error())
	case errors.As(err, &uerr):
		status := uerr.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		return status, NewErrorResponse(ErrorTypeForStatus(status), uerr.Message)
	case errors.As(err, &terr):
		return http.StatusBadGateway, NewErrorResponse(ErrorTypeAPI, terr.Error())
	default:
		return http.StatusInternalServerError, NewErrorResponse(ErrorTypeAPI, err.Error())
	}
}
