// Package api provides the HTTP surface both cmd/kiss-api and cmd/luca-api
// expose: inbound webhooks for the messaging tier, and the shared admin
// surface.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/tagers/ops-platform/internal/core"
	"github.com/tagers/ops-platform/pkg/database"
	"github.com/tagers/ops-platform/pkg/version"
)

// Server wraps an echo.Echo bound to one Core. Construct with NewServer,
// then call RegisterWebhookRoutes and/or RegisterAdminRoutes depending on
// which process (kiss-api, luca-api, or both) is hosting it.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	core       *core.Core
	mode       string
}

// NewServer builds a Server bound to c. mode is a free-form label ("kiss-api"
// or "luca-api") surfaced in /admin/stats. /health is always registered;
// callers add the rest via RegisterWebhookRoutes/RegisterAdminRoutes.
func NewServer(c *core.Core, mode string) *Server {
	e := echo.New()
	e.Use(middleware.BodyLimit(2 * 1024 * 1024))
	e.Use(securityHeaders())

	s := &Server{echo: e, core: c, mode: mode}
	e.GET("/health", s.healthHandler)
	return s
}

// RegisterWebhookRoutes wires the kiss-api inbound webhook surface.
func (s *Server) RegisterWebhookRoutes() {
	s.echo.POST("/webhook/messaging", s.messagingWebhookHandler)
	s.echo.POST("/payments/webhook/:provider", s.paymentsWebhookHandler)
	s.echo.GET("/webhooks/:channel", s.channelChallengeHandler)
	s.echo.POST("/webhooks/:channel", s.channelWebhookHandler)
}

// RegisterAdminRoutes wires the shared admin surface, gated
// by a constant-time admin-token comparison.
func (s *Server) RegisterAdminRoutes() {
	admin := s.echo.Group("/admin", adminAuth(s.core.Config.AdminToken))
	admin.GET("/stats", s.adminStatsHandler)

	admin.POST("/blocklist/add", s.blocklistAddHandler)
	admin.POST("/blocklist/remove", s.blocklistRemoveHandler)
	admin.POST("/blocklist/check", s.blocklistCheckHandler)

	admin.POST("/cache/clear", s.cacheClearHandler)

	admin.POST("/queue/pause", s.queuePauseHandler)
	admin.POST("/queue/resume", s.queueResumeHandler)

	admin.GET("/dlq", s.dlqListHandler)
	admin.POST("/dlq/retry/:id", s.dlqRetryHandler)
	admin.POST("/dlq/retry-all", s.dlqRetryAllHandler)
	admin.DELETE("/dlq/:id", s.dlqDiscardHandler)
	admin.DELETE("/dlq", s.dlqClearAllHandler)
}

// Start starts the HTTP server on addr and blocks the caller's goroutine
// in ListenAndServe until Shutdown or a fatal error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener, used by test
// infrastructure to bind a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbHealth, err := database.Health(reqCtx, s.core.DB.Pool)
	if err != nil {
		status = "unhealthy"
	}
	if !s.core.KV.IsAvailable() && status == "healthy" {
		status = "degraded"
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:   status,
		Version:  version.Full(),
		Database: dbHealth,
	})
}
