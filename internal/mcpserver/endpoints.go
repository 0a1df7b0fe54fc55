package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/domibies/dotbox/internal/format"
)

// maxEndpointBody caps the response body kept from a tested endpoint.
const maxEndpointBody = 64 << 10 // 64 KiB

func (s *Server) handleTestEndpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	method := req.GetString("method", http.MethodGet)
	timeout := time.Duration(req.GetFloat("timeout_seconds", 10)) * time.Second

	target, err := s.rewriteLocalhost(rawURL)
	if err != nil {
		return mcp.NewToolResultError(format.RenderError("validation_error", err.Error(), nil, opts)), nil
	}

	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if b := req.GetString("body", ""); b != "" {
			body = strings.NewReader(b)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return mcp.NewToolResultError(format.RenderError("validation_error", err.Error(), nil, opts)), nil
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", req.GetString("content_type", "application/json"))
	}

	client := &http.Client{Timeout: timeout}
	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return mcp.NewToolResultError(format.RenderError("runtime_failure",
			fmt.Sprintf("request failed after %dms: %v", elapsed.Milliseconds(), err),
			endpointSuggestions(err), opts)), nil
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxEndpointBody))
	if readErr != nil {
		return mcp.NewToolResultError(format.RenderError("runtime_failure",
			fmt.Sprintf("reading response body: %v", readErr), nil, opts)), nil
	}

	out := format.Result{
		Title:   fmt.Sprintf("%s %s", method, rawURL),
		Success: resp.StatusCode < 400,
		Stdout:  string(data),
		Extra: map[string]any{
			"status":           resp.Status,
			"response_time_ms": elapsed.Milliseconds(),
			"content_type":     resp.Header.Get("Content-Type"),
		},
	}
	text := format.Render(out, opts)
	if !out.Success {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

// rewriteLocalhost points localhost URLs at the host gateway when the
// server itself runs inside a container, where localhost would be the
// server's own loopback rather than the mapped sandbox ports.
func (s *Server) rewriteLocalhost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q (use http or https)", u.Scheme)
	}
	if !s.containerized {
		return rawURL, nil
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		port := u.Port()
		u.Host = "host.docker.internal"
		if port != "" {
			u.Host += ":" + port
		}
		return u.String(), nil
	}
	return rawURL, nil
}

// endpointSuggestions maps transport failures to remediation hints.
func endpointSuggestions(err error) []string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return []string{
			"Check if the server is running with dotnet_get_logs",
			"Verify the port mapping with dotnet_list_sandboxes",
			"Increase timeout_seconds if the server is slow to start",
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		return []string{
			"Nothing is listening on that port; check dotnet_get_logs for startup errors",
			"The app must bind 0.0.0.0, not localhost, to be reachable through the port mapping",
			"Verify the host port with dotnet_list_sandboxes",
		}
	default:
		return []string{
			"Use dotnet_get_logs to check the server state",
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
