// Package gateway is the REST boundary consumed by the admin UI. It maps
// HTTP requests onto the registry, record store, rules engine, workflow
// engine and audit log, and renders their errors as a uniform envelope.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/roach88/recordflow/internal/audit"
	"github.com/roach88/recordflow/internal/clock"
	"github.com/roach88/recordflow/internal/records"
	"github.com/roach88/recordflow/internal/registry"
	"github.com/roach88/recordflow/internal/rules"
	"github.com/roach88/recordflow/internal/store"
	"github.com/roach88/recordflow/internal/workflow"
)

// Deps are the components the gateway serves.
type Deps struct {
	Store     *store.Store
	Registry  *registry.Registry
	Records   *records.Service
	Rules     *rules.Engine
	Workflows *workflow.Engine
	Audit     *audit.Log
	// Archive receives entries copied by POST /audit/archive. Nil disables
	// the endpoint.
	Archive audit.Sink
	Auth    *Authenticator
	Logger  *slog.Logger
	Clock   clock.Clock
}

// Server is the HTTP gateway.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *slog.Logger
	clock  clock.Clock
}

// New builds the gateway and registers every route under /api/v1.
func New(d Deps) (*Server, error) {
	if d.Registry == nil || d.Records == nil || d.Rules == nil || d.Workflows == nil || d.Audit == nil || d.Store == nil {
		return nil, errors.New("gateway: every component is required")
	}
	if d.Auth == nil {
		return nil, errors.New("gateway: authenticator is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	s := &Server{echo: echo.New(), deps: d, logger: d.Logger, clock: d.Clock}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("recordflow"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.health)

	api := e.Group("/api/v1", d.Auth.authenticate)
	s.entityRoutes(api.Group("/entities"))
	s.recordRoutes(api.Group("/records"))
	s.ruleRoutes(api.Group("/rules"))
	s.workflowRoutes(api.Group("/workflows"))
	s.auditRoutes(api.Group("/audit", requireAuth))
	api.GET("/outbox", s.listOutbox, requireAuth)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// HTTPServer wraps the gateway in an http.Server with conservative
// timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) health(c echo.Context) error {
	status := "ok"
	code := http.StatusOK
	if err := s.deps.Audit.Healthy(); err != nil {
		status = "audit_tamper"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{"status": status, "time": s.clock.Now().UTC()})
}

func (s *Server) listOutbox(c echo.Context) error {
	after, err := queryInt64(c, "after_id", 0)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	msgs, err := s.deps.Store.ListOutbound(c.Request().Context(), after, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}
