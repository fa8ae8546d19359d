// Package api exposes the HTTP and WebSocket surface: Snowflake session
// endpoints, file upload, the streaming chat endpoint, the workflow run
// endpoints, and the PTY terminal socket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/snowlift/snowlift/pkg/agent"
	"github.com/snowlift/snowlift/pkg/config"
	"github.com/snowlift/snowlift/pkg/services"
	"github.com/snowlift/snowlift/pkg/stream"
	"github.com/snowlift/snowlift/pkg/term"
	"github.com/snowlift/snowlift/pkg/workflow"
)

// Server wires the HTTP routes to the domain services.
type Server struct {
	cfg      *config.Settings
	sessions *services.SessionManager
	loop     *agent.Loop
	runner   *workflow.Runner
	ptys     *term.Registry
	streams  *stream.Registry
	logger   *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Settings,
	sessions *services.SessionManager,
	loop *agent.Loop,
	runner *workflow.Runner,
	ptys *term.Registry,
	streams *stream.Registry,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		loop:     loop,
		runner:   runner,
		ptys:     ptys,
		streams:  streams,
		logger:   logger,
	}

	e := echo.New()
	e.Use(corsMiddleware(cfg.FrontendOrigins))
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)

	e.POST("/api/snowflake/connect", s.connectHandler)
	e.GET("/api/snowflake/status", s.snowflakeStatusHandler)
	e.POST("/api/snowflake/disconnect", s.disconnectHandler)

	e.POST("/api/upload/:chatId", s.uploadHandler)

	e.POST("/api/chat", s.chatHandler)
	e.GET("/api/chat/:chatId/stream", s.chatReconnectHandler)

	e.POST("/api/scai/start", s.workflowStartHandler)
	e.GET("/api/scai/run/:runId", s.workflowRunHandler)
	e.GET("/api/scai/status/:runId", s.workflowStatusHandler)
	e.POST("/api/scai/upload-ddl/:runId", s.workflowUploadDDLHandler)
	e.POST("/api/scai/resume/:runId", s.workflowResumeHandler)

	e.GET("/ws/terminal", s.terminalHandler)

	s.echo = e
	return s
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr and blocks until the listener closes.
// WriteTimeout stays unset: chat and workflow responses are long-lived
// event streams.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
