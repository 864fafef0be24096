// Package httpapi exposes the orchestrator control plane over HTTP: the
// dynamic workflow API under /api/v2 and the planner API under
// /api/workflows (with singular /api/workflow aliases), plus health probes.
// Handlers are thin adapters between echo and the engine; workflow semantics
// live in the workflow bodies.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/weftworks/weft/features/state"
	"github.com/weftworks/weft/runtime/workflow/engine"
	"github.com/weftworks/weft/telemetry"
)

const defaultRateLimit = 50 // requests per second per client

// ReadyCheck probes one dependency for the readiness endpoint.
type ReadyCheck func(ctx context.Context) error

// Options configures the control plane.
type Options struct {
	// Engine schedules and inspects workflow instances. Required.
	Engine engine.Engine
	// State backs the listing endpoints and the event mirror. Required.
	State state.Store
	// Logger receives access logs and handler diagnostics.
	Logger telemetry.Logger
	// Metrics counts requests per route and status class.
	Metrics telemetry.Metrics
	// RateLimit caps requests per second per client ip. Zero means the
	// default of 50.
	RateLimit float64
	// ReadyChecks are probed by /readyz, keyed by dependency name.
	ReadyChecks map[string]ReadyCheck
}

// Server is the orchestrator HTTP control plane.
type Server struct {
	echo    *echo.Echo
	eng     engine.Engine
	store   state.Store
	log     telemetry.Logger
	metrics telemetry.Metrics
	ready   map[string]ReadyCheck
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.State == nil {
		return nil, errors.New("state store is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	s := &Server{
		echo:    echo.New(),
		eng:     opts.Engine,
		store:   opts.State,
		log:     log,
		metrics: metrics,
		ready:   opts.ReadyChecks,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	limit := opts.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())
	s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(limit))))
	s.echo.Use(s.accessLog)

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	s.echo.GET("/readyz", s.readiness)

	v2 := s.echo.Group("/api/v2")
	v2.POST("/workflows", s.startWorkflow)
	v2.GET("/workflows", s.listWorkflows)
	v2.GET("/workflows/:id/status", s.workflowStatus)
	v2.GET("/workflows/:id/events", s.workflowEvents)
	v2.POST("/workflows/:id/events", s.raiseWorkflowEvent)
	v2.POST("/workflows/:id/terminate", s.terminateWorkflow)
	v2.POST("/workflows/:id/pause", s.pauseWorkflow)
	v2.POST("/workflows/:id/resume", s.resumeWorkflow)
	v2.DELETE("/workflows/:id", s.purgeWorkflow)

	// The planner API is served under the plural prefix and a singular
	// alias kept for callers of the original paths.
	for _, prefix := range []string{"/api/workflows", "/api/workflow"} {
		g := s.echo.Group(prefix)
		g.POST("", s.startPlanner)
		g.GET("", s.listPlanners)
		g.POST("/:id/approve", s.approvePlan)
		g.GET("/:id/status", s.plannerStatus)
		g.GET("/:id/tasks", s.plannerTasks)
	}
}

// Handler exposes the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.echo.Server.ReadTimeout = 15 * time.Second
	s.echo.Server.WriteTimeout = 30 * time.Second
	s.echo.Server.IdleTimeout = 60 * time.Second
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(c echo.Context) error {
	ctx := c.Request().Context()
	checks := make(map[string]string, len(s.ready))
	code := http.StatusOK
	status := "ok"
	for name, probe := range s.ready {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			status = "unavailable"
			continue
		}
		checks[name] = "ok"
	}
	return c.JSON(code, map[string]any{"status": status, "checks": checks})
}

// errorJSON writes the uniform error envelope.
func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

// engineError maps engine sentinel errors onto HTTP statuses.
func (s *Server) engineError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrWorkflowNotFound):
		return errorJSON(c, http.StatusNotFound, "workflow not found")
	case errors.Is(err, engine.ErrReservedEventName):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrDuplicateWorkflowID):
		return errorJSON(c, http.StatusConflict, err.Error())
	default:
		s.log.Error(c.Request().Context(), "engine call failed",
			"path", c.Path(), "error", err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}
