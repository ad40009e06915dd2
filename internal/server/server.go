// Package server exposes the workflow core over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/convoyhq/convoy/internal/orchestrator"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/internal/registry"
)

// Server holds the dependencies for the API server.
type Server struct {
	Orchestrator *orchestrator.Orchestrator
	Quota        *quota.Manager
	Registry     *registry.Registry

	echo *echo.Echo
}

// New creates a server and registers its routes.
func New(orch *orchestrator.Orchestrator, qm *quota.Manager, reg *registry.Registry) *Server {
	s := &Server{
		Orchestrator: orch,
		Quota:        qm,
		Registry:     reg,
		echo:         echo.New(),
	}
	s.echo.HideBanner = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.Logger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.Health)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/workflows", s.SubmitWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.DELETE("/workflows/:id", s.CancelWorkflow)
	v1.POST("/actions/:id/resolve", s.ResolveAction)
	v1.GET("/actions/:id", s.GetAction)
	v1.GET("/quota/users/:user_id", s.UserQuota)
	v1.GET("/quota/system", s.SystemQuota)
}

// Start listens on addr until the server is shut down.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.Registry.AgentNames(),
		"time":   time.Now().UTC(),
	})
}
