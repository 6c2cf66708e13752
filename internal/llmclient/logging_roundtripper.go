package llmclient

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingRoundTripper logs upstream exchanges. Bodies are only captured
// at trace level.
type LoggingRoundTripper struct {
	transport http.RoundTripper
}

// NewLoggingRoundTripper wraps transport.
func NewLoggingRoundTripper(transport http.RoundTripper) *LoggingRoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingRoundTripper{transport: transport}
}

func (r *LoggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()
	trace := logrus.IsLevelEnabled(logrus.TraceLevel)

	if trace && req.Body != nil && req.Body != http.NoBody {
		bodyBytes, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		logrus.Tracef("Upstream request %s %s: %s", req.Method, req.URL, bodyBytes)
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	resp, err := r.transport.RoundTrip(req)
	fields := logrus.Fields{
		"method":   req.Method,
		"url":      req.URL.String(),
		"duration": time.Since(startTime),
	}
	if err != nil {
		logrus.WithFields(fields).Debugf("Upstream request failed: %v", err)
		return nil, err
	}
	fields["status"] = resp.StatusCode
	logrus.WithFields(fields).Debug("Upstream response")

	if trace && resp.Body != nil && resp.Body != http.NoBody {
		if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
			resp.Body = newRecordingReader(resp.Body, func(content string) {
				logrus.Tracef("Upstream stream from %s: %s", req.URL, content)
			})
		} else {
			bodyBytes, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return nil, readErr
			}
			logrus.Tracef("Upstream response from %s: %s", req.URL, bodyBytes)
			resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}
	return resp, nil
}

// recordingReader wraps an io.ReadCloser and records all data read from it
type recordingReader struct {
	source  io.ReadCloser
	buffer  bytes.Buffer
	onClose func(content string)
	closed  bool
}

func newRecordingReader(source io.ReadCloser, onClose func(string)) *recordingReader {
	return &recordingReader{source: source, onClose: onClose}
}

func (r *recordingReader) Read(p []byte) (n int, err error) {
	n, err = r.source.Read(p)
	if n > 0 {
		r.buffer.Write(p[:n])
	}
	return n, err
}

func (r *recordingReader) Close() error {
	err := r.source.Close()
	if !r.closed {
		r.closed = true
		if r.onClose != nil {
			r.onClose(r.buffer.String())
		}
	}
	return err
}
