// Package server exposes the Protocol-A messages API over HTTP and relays
// each request to the configured backend.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/anthropic-adapter/internal/config"
	"github.com/tingly-dev/anthropic-adapter/internal/obs/otel"
	"github.com/tingly-dev/anthropic-adapter/internal/server/middleware"
)

const shutdownTimeout = 10 * time.Second

// Server represents the HTTP server
type Server struct {
	store      *config.Store
	engine     *gin.Engine
	httpServer *http.Server

	tracker  *otel.TokenTracker
	errorLog *middleware.ErrorLogMiddleware
	version  string
}

// ServerOption defines a functional option for Server configuration
type ServerOption func(*Server)

// WithTracker records usage metrics for every relayed request.
func WithTracker(tracker *otel.TokenTracker) ServerOption {
	return func(s *Server) {
		s.tracker = tracker
	}
}

// WithErrorLog enables the exchange log middleware.
func WithErrorLog(mw *middleware.ErrorLogMiddleware) ServerOption {
	return func(s *Server) {
		s.errorLog = mw
	}
}

func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer creates the server. Every request reads the store's current
// snapshot once at entry.
func NewServer(store *config.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:  store,
		engine: gin.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logrus.Errorf("Panic in handler %s: %v", c.Request.URL.Path, recovered)
		sendErrorResponse(c, http.StatusInternalServerError, "api_error", "internal server error")
	}))
	s.engine.Use(middleware.RequestLog())
	if s.errorLog != nil {
		s.engine.Use(s.errorLog.Middleware())
	}
	s.engine.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.Health)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/messages", s.Messages)
		v1.POST("/messages/count_tokens", s.CountTokens)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		sendErrorResponse(c, http.StatusNotFound, "not_found_error", "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}

	serverError := make(chan error, 1)
	go func() {
		serverError <- s.httpServer.ListenAndServe()
	}()

	snap := s.store.Current()
	logrus.Infof("Anthropic messages endpoint: http://%s/v1/messages", addr)
	logrus.Infof("Relaying to %s (%s)", snap.Adapter.Endpoint(), snap.Adapter.Variant())

	select {
	case err := <-serverError:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logrus.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
