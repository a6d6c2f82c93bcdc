// Package api serves the orchestrator's operational HTTP surface:
// health, readiness, metrics, and version. The application REST and
// WebSocket APIs live in a separate gateway; this process only exposes
// what its own operators need.
package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/pkg/metrics"
	"github.com/runforge/runforge/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// checkTimeout bounds each dependency probe so a wedged dependency
// cannot stall the health endpoint.
const checkTimeout = 5 * time.Second

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthCheck is the per-dependency result reported by /healthz.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Server is the operational HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	checks     map[string]Check
	ready      func() bool
}

// NewServer creates the operational server. checks maps dependency
// names (database, bus) to their probes; ready reports whether startup
// wiring has finished (nil means always ready).
func NewServer(checks map[string]Check, ready func() bool) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		checks: checks,
		ready:  ready,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthHandler)
	s.engine.GET("/readyz", s.readyHandler)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.engine.GET("/version", s.versionHandler)
}

// Start begins serving on addr. Blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// healthHandler handles GET /healthz. Only the orchestrator's own
// dependencies are probed; external services (ticketing tools, the
// matching service) are excluded so their outages do not restart this
// process.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	status := healthStatusHealthy
	results := make(map[string]HealthCheck, len(s.checks))

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = healthStatusUnhealthy
			results[name] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
			continue
		}
		results[name] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status": status,
		"checks": results,
	})
}

// readyHandler handles GET /readyz.
func (s *Server) readyHandler(c *gin.Context) {
	if s.ready != nil && !s.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// versionHandler handles GET /version.
func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":     version.AppName,
		"version": version.Full(),
		"commit":  version.GitCommit,
	})
}
