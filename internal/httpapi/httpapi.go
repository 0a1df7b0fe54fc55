// Package httpapi implements the ops/debug HTTP server: health and
// readiness probes, Prometheus metrics, a read-mostly sandbox API, and
// a WebSocket log stream. The MCP stdio transport stays the primary
// surface; this server exists for operators and dashboards.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/domibies/dotbox/internal/history"
	"github.com/domibies/dotbox/internal/observability"
	"github.com/domibies/dotbox/internal/sandbox"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the ops HTTP server.
type Config struct {
	ListenAddr string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the ops HTTP server.
type Server struct {
	config  Config
	manager *sandbox.Manager
	engine  sandbox.Engine
	store   *history.Store // nil = history endpoints disabled
	logger  *slog.Logger
	okapi   *okapi.Okapi
	server  *http.Server
}

// NewServer creates the ops HTTP server.
func NewServer(cfg Config, manager *sandbox.Manager, engine sandbox.Engine, logger *slog.Logger) *Server {
	return &Server{
		config:  cfg,
		manager: manager,
		engine:  engine,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// WithHistory enables the execution history endpoints.
func (s *Server) WithHistory(store *history.Store) *Server {
	s.store = store
	return s
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	group := s.okapi.Group("/v1", observability.MetricsMiddleware(s.config.Metrics, s.config.Tracer))

	group.Get("/sandboxes", s.handleListSandboxes,
		okapi.DocSummary("List active sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	group.Delete("/sandboxes/{project_id}", s.handleReleaseSandbox,
		okapi.DocSummary("Stop a sandbox and delete its workspace"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("project_id", "string", "Project ID"),
		okapi.DocResponse(map[string]string{}),
	)
	group.Get("/sandboxes/{project_id}/logs", s.handleSandboxLogs,
		okapi.DocSummary("Read sandbox log output"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("project_id", "string", "Project ID"),
		okapi.DocResponse(LogsResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if s.store != nil {
		group.Get("/executions", s.handleRecentExecutions,
			okapi.DocSummary("List recent command executions"),
			okapi.DocTags("History"),
			okapi.DocResponse([]history.ExecutionModel{}),
		)
		group.Get("/sandboxes/{project_id}/events", s.handleSandboxEvents,
			okapi.DocSummary("List a project's lifecycle events"),
			okapi.DocTags("History"),
			okapi.DocPathParam("project_id", "string", "Project ID"),
			okapi.DocResponse([]history.SandboxEventModel{}),
		)
	}

	// Live log following over WebSocket; project selected via query
	// param because the upgrade handler bypasses route params.
	s.okapi.HandleStd("GET", "/v1/logs/stream", s.logStreamHandler())

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops http server starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops http server stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// SandboxResponse is one sandbox in GET /v1/sandboxes.
type SandboxResponse struct {
	ProjectID     string    `json:"project_id"`
	DotnetVersion string    `json:"dotnet_version"`
	State         string    `json:"state"`
	Ports         []string  `json:"ports,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	IdleSeconds   int64     `json:"idle_seconds"`
}

// LogsResponse is the body for GET /v1/sandboxes/{project_id}/logs.
type LogsResponse struct {
	ProjectID string `json:"project_id"`
	Logs      string `json:"logs"`
}

func (s *Server) handleListSandboxes(c *okapi.Context) error {
	now := time.Now().UTC()
	recs := s.manager.List()
	out := make([]SandboxResponse, 0, len(recs))
	for _, r := range recs {
		resp := SandboxResponse{
			ProjectID:     r.ProjectID,
			DotnetVersion: r.DotnetVersion,
			State:         string(r.State),
			CreatedAt:     r.CreatedAt,
			IdleSeconds:   int64(r.IdleFor(now).Seconds()),
		}
		for _, p := range r.Ports {
			resp.Ports = append(resp.Ports, strconv.Itoa(p.ContainerPort)+"->"+strconv.Itoa(p.HostPort))
		}
		out = append(out, resp)
	}
	return c.OK(out)
}

func (s *Server) handleReleaseSandbox(c *okapi.Context) error {
	projectID := c.Param("project_id")
	if projectID == "" {
		return c.AbortBadRequest("project_id is required")
	}
	if err := s.manager.Release(c.Context(), projectID); err != nil {
		return c.AbortInternalServerError("failed to release sandbox")
	}
	return c.OK(map[string]string{"status": "released", "project_id": projectID})
}

func (s *Server) handleSandboxLogs(c *okapi.Context) error {
	projectID := c.Param("project_id")
	rec, ok := s.manager.Registry().Get(projectID)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
	}
	tail, _ := strconv.Atoi(c.Query("tail"))
	if tail <= 0 {
		tail = 100
	}
	logs, err := s.engine.Logs(c.Context(), rec.ContainerID, sandbox.LogOptions{Tail: tail})
	if err != nil {
		return c.AbortInternalServerError("failed to read logs")
	}
	return c.OK(LogsResponse{ProjectID: projectID, Logs: logs})
}

func (s *Server) handleRecentExecutions(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	execs, err := s.store.RecentExecutions(c.Context(), limit)
	if err != nil {
		return c.AbortInternalServerError("failed to list executions")
	}
	return c.OK(execs)
}

func (s *Server) handleSandboxEvents(c *okapi.Context) error {
	events, err := s.store.EventsForProject(c.Context(), c.Param("project_id"), 0)
	if err != nil {
		return c.AbortInternalServerError("failed to list events")
	}
	return c.OK(events)
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	if s.config.HealthChecker != nil {
		return c.OK(s.config.HealthChecker.CheckHealth())
	}
	return c.OK(map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker != nil {
		status := s.config.HealthChecker.CheckReady(c.Context())
		if status.Status != "ok" {
			return c.JSON(http.StatusServiceUnavailable, status)
		}
		return c.OK(status)
	}
	return c.OK(map[string]string{"status": "ok"})
}
