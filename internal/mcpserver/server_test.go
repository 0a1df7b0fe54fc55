package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/domibies/dotbox/internal/observability"
)

func TestInstrumentRegistersAsToolHandler(t *testing.T) {
	m := observability.NewMetricsCollector()
	s := &Server{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: m,
	}

	var h server.ToolHandlerFunc = s.instrument("dotnet_list_sandboxes",
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("done"), nil
		})

	res, err := h(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Errorf("result = %+v, want success", res)
	}
	if got := testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("dotnet_list_sandboxes", "ok")); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
}

func TestInstrumentCountsErrorResults(t *testing.T) {
	m := observability.NewMetricsCollector()
	s := &Server{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: m,
	}

	h := s.instrument("dotnet_stop_sandbox",
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("boom"), nil
		})

	if _, err := h(context.Background(), mcp.CallToolRequest{}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("dotnet_stop_sandbox", "error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}
}
