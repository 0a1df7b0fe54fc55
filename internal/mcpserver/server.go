// Package mcpserver exposes the sandbox orchestrator as an MCP server
// over stdio. Every tool response is rendered through internal/format
// so nothing unbounded reaches the model context.
package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/domibies/dotbox/internal/dotnet"
	"github.com/domibies/dotbox/internal/format"
	"github.com/domibies/dotbox/internal/observability"
	"github.com/domibies/dotbox/internal/sandbox"
)

const serverInstructions = `Run C# code in isolated .NET sandboxes.
Use dotnet_execute_snippet for one-shot code; start a sandbox with
dotnet_start_sandbox when you need files, packages, or a web server to
persist across calls. Sandboxes are reclaimed after an idle period.`

// Server wires the orchestrator behind MCP tools.
type Server struct {
	manager  *sandbox.Manager
	executor *sandbox.Executor
	engine   sandbox.Engine
	runner   *dotnet.Runner
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
	mcp      *server.MCPServer

	// containerized is true when this server itself runs in a
	// container, which changes how localhost URLs are tested.
	containerized bool
}

// Deps carries the wired components.
type Deps struct {
	Manager  *sandbox.Manager
	Executor *sandbox.Executor
	Engine   sandbox.Engine
	Runner   *dotnet.Runner
	Logger   *slog.Logger
	Metrics  *observability.MetricsCollector // nil = disabled
	Version  string
}

// New builds the MCP server and registers all tools.
func New(deps Deps) *Server {
	s := &Server{
		manager:       deps.Manager,
		executor:      deps.Executor,
		engine:        deps.Engine,
		runner:        deps.Runner,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		containerized: runningInContainer(),
	}
	s.mcp = server.NewMCPServer(
		"dotbox",
		deps.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

// handler is the shape of every tool implementation, aliased so
// instrumented handlers register directly with the MCP server.
type handler = server.ToolHandlerFunc

// instrument wraps a handler with metrics and logging.
func (s *Server) instrument(name string, h handler) handler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		res, err := h(ctx, req)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil || (res != nil && res.IsError) {
			status = "error"
		}
		if s.metrics != nil {
			s.metrics.ToolCallsTotal.WithLabelValues(name, status).Inc()
			s.metrics.ToolCallDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		}
		s.logger.Debug("tool call",
			slog.String("tool", name),
			slog.String("status", status),
			slog.Duration("duration", elapsed),
		)
		return res, err
	}
}

// fail maps a domain error to a bounded MCP error result.
func fail(err error, opts format.Options) (*mcp.CallToolResult, error) {
	var se *sandbox.Error
	if errors.As(err, &se) {
		return mcp.NewToolResultError(
			format.RenderError(string(se.Kind), se.Message, se.Suggestions, opts)), nil
	}
	return mcp.NewToolResultError(
		format.RenderError(string(sandbox.KindInfrastructure), err.Error(), nil, opts)), nil
}

// parseOptions reads detail_level/response_format with defaults.
func parseOptions(req mcp.CallToolRequest) (format.Options, error) {
	return format.ParseOptions(
		req.GetString("detail_level", ""),
		req.GetString("response_format", ""),
	)
}

// runningInContainer detects whether the server itself is inside a
// container. Tested localhost URLs then need the host gateway alias.
func runningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
