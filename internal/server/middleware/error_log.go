package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DefaultErrorFilter selects failed exchanges.
const DefaultErrorFilter = "StatusCode >= 400"

// maxCapturedBody bounds how much of a response is kept for the log.
const maxCapturedBody = 64 << 10

// FilterContext is the environment of a filter expression.
type FilterContext struct {
	StatusCode int    `expr:"StatusCode"`
	Method     string `expr:"Method"`
	Path       string `expr:"Path"`
	Stream     bool   `expr:"Stream"`
	Model      string `expr:"Model"`
}

// ErrorLogMiddleware appends the request and response of selected
// exchanges to a JSON-lines writer.
type ErrorLogMiddleware struct {
	out     io.Writer
	mu      sync.Mutex
	program *vm.Program
}

// NewErrorLogMiddleware compiles filter, or DefaultErrorFilter when empty.
func NewErrorLogMiddleware(out io.Writer, filter string) (*ErrorLogMiddleware, error) {
	if filter == "" {
		filter = DefaultErrorFilter
	}
	program, err := expr.Compile(filter, expr.Env(FilterContext{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile error log filter: %w", err)
	}
	return &ErrorLogMiddleware{out: out, program: program}, nil
}

// Middleware returns the gin handler.
func (m *ErrorLogMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(requestBody))
		}

		w := &responseBodyWriter{ResponseWriter: c.Writer}
		c.Writer = w

		start := time.Now()
		c.Next()

		m.write(&logEntry{
			Timestamp:    start,
			Method:       c.Request.Method,
			Path:         c.Request.URL.Path,
			StatusCode:   c.Writer.Status(),
			Duration:     time.Since(start),
			Stream:       c.GetBool(KeyStream),
			Model:        c.GetString(KeyRequestModel),
			RequestBody:  requestBody,
			ResponseBody: w.body.Bytes(),
		})
	}
}

type logEntry struct {
	Timestamp    time.Time
	Method       string
	Path         string
	StatusCode   int
	Duration     time.Duration
	Stream       bool
	Model        string
	RequestBody  []byte
	ResponseBody []byte
}

func (m *ErrorLogMiddleware) write(entry *logEntry) {
	selected, err := expr.Run(m.program, FilterContext{
		StatusCode: entry.StatusCode,
		Method:     entry.Method,
		Path:       entry.Path,
		Stream:     entry.Stream,
		Model:      entry.Model,
	})
	if err != nil {
		logrus.Errorf("Failed to evaluate error log filter: %v", err)
		return
	}
	if ok, _ := selected.(bool); !ok {
		return
	}

	logData := map[string]any{
		"timestamp":   entry.Timestamp.Format(time.RFC3339Nano),
		"method":      entry.Method,
		"path":        entry.Path,
		"status_code": entry.StatusCode,
		"duration_ms": entry.Duration.Milliseconds(),
		"stream":      entry.Stream,
	}
	if entry.Model != "" {
		logData["model"] = entry.Model
	}
	if len(entry.RequestBody) > 0 {
		logData["request_body"] = bodyValue(entry.RequestBody)
	}
	if len(entry.ResponseBody) > 0 {
		logData["response_body"] = bodyValue(entry.ResponseBody)
	}

	line, err := json.Marshal(logData)
	if err != nil {
		logrus.Errorf("Failed to marshal error log entry: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.out.Write(append(line, '\n')); err != nil {
		logrus.Errorf("Failed to write error log entry: %v", err)
	}
}

func bodyValue(body []byte) any {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

// responseBodyWriter keeps a bounded copy of what the handler writes.
type responseBodyWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *responseBodyWriter) capture(b []byte) {
	if room := maxCapturedBody - w.body.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		w.body.Write(b)
	}
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseBodyWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}
