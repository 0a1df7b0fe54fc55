package mcpserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/domibies/dotbox/internal/dotnet"
	"github.com/domibies/dotbox/internal/format"
	"github.com/domibies/dotbox/internal/sandbox"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("dotnet_execute_snippet",
		mcp.WithDescription("Compile and run a C# snippet in a fresh, isolated sandbox. The sandbox is discarded afterwards. Top-level statements are supported."),
		mcp.WithString("code", mcp.Required(), mcp.Description("C# source, compiled as Program.cs")),
		mcp.WithString("dotnet_version", mcp.Description(".NET version"), mcp.Enum("8", "9", "10-rc2"), mcp.DefaultString(sandbox.DefaultDotnetVersion)),
		mcp.WithArray("packages", mcp.Description("NuGet packages, as Name or Name@version"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("timeout_seconds", mcp.Description("Run-phase timeout (default 30, max 300)")),
		mcp.WithString("detail_level", mcp.Enum("concise", "full"), mcp.DefaultString("concise")),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:           "Execute C# snippet",
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			OpenWorldHint:   mcp.ToBoolPtr(true),
		}),
	), s.instrument("dotnet_execute_snippet", s.handleExecuteSnippet))

	s.mcp.AddTool(mcp.NewTool("dotnet_start_sandbox",
		mcp.WithDescription("Start (or reuse) a persistent sandbox for a project. Files, restored packages, and background processes survive across calls until the sandbox is stopped or reaped."),
		mcp.WithString("project_id", mcp.Description("Stable name for this sandbox"), mcp.DefaultString("default")),
		mcp.WithString("dotnet_version", mcp.Enum("8", "9", "10-rc2"), mcp.DefaultString(sandbox.DefaultDotnetVersion)),
		mcp.WithArray("ports", mcp.Description("Port mappings, each 'container' or 'container:host' (host 0 or omitted = auto-assign)"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_start_sandbox", s.handleStartSandbox))

	s.mcp.AddTool(mcp.NewTool("dotnet_stop_sandbox",
		mcp.WithDescription("Stop a project's sandbox and delete its workspace. Idempotent."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_stop_sandbox", s.handleStopSandbox))

	s.mcp.AddTool(mcp.NewTool("dotnet_stop_all",
		mcp.WithDescription("Stop every active sandbox. Best-effort; reports per-sandbox failures."),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_stop_all", s.handleStopAll))

	s.mcp.AddTool(mcp.NewTool("dotnet_list_sandboxes",
		mcp.WithDescription("List active sandboxes with state, ports, and idle time."),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:        "List sandboxes",
			ReadOnlyHint: mcp.ToBoolPtr(true),
		}),
	), s.instrument("dotnet_list_sandboxes", s.handleListSandboxes))

	s.mcp.AddTool(mcp.NewTool("dotnet_execute_command",
		mcp.WithDescription("Run a shell command inside a project's sandbox, e.g. 'dotnet build' or 'dotnet test'. Working directory is /workspace."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("command", mcp.Required()),
		mcp.WithNumber("timeout_seconds", mcp.Description("Default 30, max 300")),
		mcp.WithString("detail_level", mcp.Enum("concise", "full"), mcp.DefaultString("concise")),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_execute_command", s.handleExecuteCommand))

	s.mcp.AddTool(mcp.NewTool("dotnet_run_background",
		mcp.WithDescription("Start a long-running process (e.g. 'dotnet run' for a web app) detached inside the sandbox. Output goes to the sandbox log; read it with dotnet_get_logs."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("command", mcp.Required()),
		mcp.WithNumber("wait_for_ready_seconds", mcp.Description("Grace period before returning (default 3)")),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_run_background", s.handleRunBackground))

	s.mcp.AddTool(mcp.NewTool("dotnet_write_file",
		mcp.WithDescription("Write a file into the sandbox workspace. Paths are relative to /workspace; parents are created."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("path", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_write_file", s.handleWriteFile))

	s.mcp.AddTool(mcp.NewTool("dotnet_read_file",
		mcp.WithDescription("Read a file from the sandbox workspace."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("path", mcp.Required()),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:        "Read sandbox file",
			ReadOnlyHint: mcp.ToBoolPtr(true),
		}),
	), s.instrument("dotnet_read_file", s.handleReadFile))

	s.mcp.AddTool(mcp.NewTool("dotnet_list_files",
		mcp.WithDescription("List files under a directory in the sandbox workspace."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("path", mcp.Description("Directory relative to /workspace (default: workspace root)")),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:        "List sandbox files",
			ReadOnlyHint: mcp.ToBoolPtr(true),
		}),
	), s.instrument("dotnet_list_files", s.handleListFiles))

	s.mcp.AddTool(mcp.NewTool("dotnet_get_logs",
		mcp.WithDescription("Read sandbox log output, including background process output."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithNumber("tail", mcp.Description("Last N lines (default 100)")),
		mcp.WithNumber("since_seconds", mcp.Description("Only entries from the last N seconds")),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			Title:        "Get sandbox logs",
			ReadOnlyHint: mcp.ToBoolPtr(true),
		}),
	), s.instrument("dotnet_get_logs", s.handleGetLogs))

	s.mcp.AddTool(mcp.NewTool("dotnet_kill_process",
		mcp.WithDescription("Kill processes inside the sandbox matching a pattern (default: dotnet). The sandbox itself keeps running."),
		mcp.WithString("project_id", mcp.Required()),
		mcp.WithString("process_pattern", mcp.Description("pkill -f pattern (default 'dotnet')")),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_kill_process", s.handleKillProcess))

	s.mcp.AddTool(mcp.NewTool("dotnet_test_endpoint",
		mcp.WithDescription("Send an HTTP request to an endpoint, typically a web app started with dotnet_run_background. Use the mapped host port from dotnet_list_sandboxes."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Full URL, e.g. http://localhost:49152/weather")),
		mcp.WithString("method", mcp.Enum("GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"), mcp.DefaultString("GET")),
		mcp.WithString("body", mcp.Description("Request body for POST/PUT/PATCH")),
		mcp.WithString("content_type", mcp.DefaultString("application/json")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Default 10")),
		mcp.WithString("response_format", mcp.Enum("markdown", "json"), mcp.DefaultString("markdown")),
	), s.instrument("dotnet_test_endpoint", s.handleTestEndpoint))
}

func (s *Server) handleExecuteSnippet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.runner.ExecuteSnippet(ctx, dotnet.SnippetRequest{
		Code:          code,
		DotnetVersion: req.GetString("dotnet_version", ""),
		Packages:      req.GetStringSlice("packages", nil),
		RunTimeout:    time.Duration(req.GetFloat("timeout_seconds", 0)) * time.Second,
	})
	if err != nil {
		return fail(err, opts)
	}

	if res.Phase == "build" {
		out := format.Result{
			Title:       "C# snippet: build failed",
			Success:     false,
			ExitCode:    &res.Build.ExitCode,
			Duration:    res.Build.Duration,
			Stderr:      res.Build.Stderr,
			TimedOut:    res.Build.TimedOut,
			Diagnostics: toFormatDiagnostics(res.Diagnostics),
		}
		return mcp.NewToolResultError(format.Render(out, opts)), nil
	}

	out := format.Result{
		Title:    "C# snippet",
		Success:  res.Success,
		ExitCode: &res.Run.ExitCode,
		Duration: res.Run.Duration,
		Stdout:   res.Run.Stdout,
		Stderr:   res.Run.Stderr,
		TimedOut: res.Run.TimedOut,
	}
	if res.Run.TimedOut {
		out.Suggestions = []string{
			"Output captured before the timeout is shown above",
			"Raise timeout_seconds for long-running code",
		}
	}
	text := format.Render(out, opts)
	if !res.Success {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleStartSandbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ports, err := parsePortSpecs(req.GetStringSlice("ports", nil))
	if err != nil {
		return fail(err, opts)
	}

	rec, err := s.manager.Acquire(ctx, sandbox.AcquireOptions{
		ProjectID:     req.GetString("project_id", "default"),
		DotnetVersion: req.GetString("dotnet_version", ""),
		Ports:         ports,
	})
	if err != nil {
		return fail(err, opts)
	}

	out := format.Result{
		Title:   fmt.Sprintf("Sandbox %q ready", rec.ProjectID),
		Success: true,
		Extra: map[string]any{
			"dotnet_version": rec.DotnetVersion,
			"container":      rec.ContainerName,
		},
	}
	if len(rec.Ports) > 0 {
		out.Extra["ports"] = portLines(rec.Ports)
	}
	return mcp.NewToolResultText(format.Render(out, opts)), nil
}

func (s *Server) handleStopSandbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.Release(ctx, projectID); err != nil {
		return fail(err, opts)
	}
	return mcp.NewToolResultText(format.Render(format.Result{
		Title:   fmt.Sprintf("Sandbox %q stopped", projectID),
		Success: true,
	}, opts)), nil
}

func (s *Server) handleStopAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	released, err := s.manager.ReleaseAll(ctx)
	out := format.Result{
		Title:   fmt.Sprintf("Stopped %d sandbox(es)", released),
		Success: err == nil,
	}
	if err != nil {
		out.Stderr = err.Error()
		return mcp.NewToolResultError(format.Render(out, opts)), nil
	}
	return mcp.NewToolResultText(format.Render(out, opts)), nil
}

func (s *Server) handleListSandboxes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recs := s.manager.List()
	var lines []string
	now := time.Now().UTC()
	for _, r := range recs {
		line := fmt.Sprintf("%s: .NET %s, %s, idle %s",
			r.ProjectID, r.DotnetVersion, r.State, r.IdleFor(now).Round(time.Second))
		if len(r.Ports) > 0 {
			line += ", ports " + strings.Join(portLines(r.Ports), " ")
		}
		lines = append(lines, line)
	}
	out := format.Result{
		Title:   fmt.Sprintf("Active sandboxes: %d of %d", len(recs), s.manager.Registry().Limit()),
		Success: true,
		Stdout:  strings.Join(lines, "\n"),
	}
	return mcp.NewToolResultText(format.Render(out, opts)), nil
}

func (s *Server) handleExecuteCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := time.Duration(req.GetFloat("timeout_seconds", 0)) * time.Second

	res, err := s.executor.RunShell(ctx, projectID, command, timeout)
	if err != nil {
		return fail(err, opts)
	}

	out := format.Result{
		Title:    fmt.Sprintf("Command in %q", projectID),
		Success:  !res.TimedOut && res.ExitCode == 0,
		ExitCode: &res.ExitCode,
		Duration: res.Duration,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		TimedOut: res.TimedOut,
	}
	// Builds get parsed diagnostics with suggestions attached.
	if !out.Success && strings.Contains(command, "dotnet build") {
		diags := dotnet.Enhance(dotnet.ParseBuildOutput(res.Stdout + "\n" + res.Stderr))
		out.Diagnostics = toFormatDiagnostics(diags)
	}
	if res.TimedOut {
		out.Suggestions = []string{
			"The process was killed; partial output is shown above",
			"Use dotnet_run_background for servers and other long-running processes",
		}
	}
	text := format.Render(out, opts)
	if !out.Success {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleRunBackground(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	wait := time.Duration(req.GetFloat("wait_for_ready_seconds", 3)) * time.Second

	if err := s.executor.RunBackground(ctx, projectID, command, wait); err != nil {
		return fail(err, opts)
	}
	return mcp.NewToolResultText(format.Render(format.Result{
		Title:   "Background process started",
		Success: true,
		Suggestions: []string{
			"Check startup output with dotnet_get_logs",
			"Probe HTTP endpoints with dotnet_test_endpoint",
		},
	}, opts)), nil
}

func (s *Server) handleWriteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.runningSandbox(projectID)
	if err != nil {
		return fail(err, opts)
	}
	if err := s.engine.WriteFile(ctx, rec.ContainerID, path, []byte(content)); err != nil {
		return fail(sandbox.WrapError(sandbox.KindInfrastructure, "writing file", err), opts)
	}
	s.manager.Registry().Touch(rec.ID)
	return mcp.NewToolResultText(format.Render(format.Result{
		Title:   fmt.Sprintf("Wrote %s (%d bytes)", path, len(content)),
		Success: true,
	}, opts)), nil
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.runningSandbox(projectID)
	if err != nil {
		return fail(err, opts)
	}
	data, err := s.engine.ReadFile(ctx, rec.ContainerID, path)
	if err != nil {
		return fail(sandbox.WrapError(sandbox.KindInfrastructure, "reading file", err,
			"Check the path with dotnet_list_files"), opts)
	}
	s.manager.Registry().Touch(rec.ID)
	return mcp.NewToolResultText(format.Render(format.Result{
		Title:   path,
		Success: true,
		Stdout:  string(data),
	}, opts)), nil
}

func (s *Server) handleListFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.runningSandbox(projectID)
	if err != nil {
		return fail(err, opts)
	}
	files, err := s.engine.ListFiles(ctx, rec.ContainerID, req.GetString("path", ""))
	if err != nil {
		return fail(sandbox.WrapError(sandbox.KindInfrastructure, "listing files", err), opts)
	}
	s.manager.Registry().Touch(rec.ID)

	var lines []string
	for _, f := range files {
		if f.IsDir {
			lines = append(lines, f.Path+"/")
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%d bytes)", f.Path, f.Size))
	}
	return mcp.NewToolResultText(format.Render(format.Result{
		Title:   fmt.Sprintf("%d entries", len(files)),
		Success: true,
		Stdout:  strings.Join(lines, "\n"),
	}, opts)), nil
}

func (s *Server) handleGetLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.runningSandbox(projectID)
	if err != nil {
		return fail(err, opts)
	}
	logs, err := s.engine.Logs(ctx, rec.ContainerID, sandbox.LogOptions{
		Tail:  int(req.GetFloat("tail", 100)),
		Since: time.Duration(req.GetFloat("since_seconds", 0)) * time.Second,
	})
	if err != nil {
		return fail(sandbox.WrapError(sandbox.KindInfrastructure, "reading logs", err), opts)
	}
	return mcp.NewToolResultText(format.Render(format.Result{
		Title:   fmt.Sprintf("Logs for %q", projectID),
		Success: true,
		Stdout:  logs,
	}, opts)), nil
}

func (s *Server) handleKillProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := parseOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pattern := req.GetString("process_pattern", "")

	killed, err := s.executor.KillProcess(ctx, projectID, pattern)
	if err != nil {
		return fail(err, opts)
	}
	title := "No matching processes"
	if killed {
		title = "Processes killed"
	}
	return mcp.NewToolResultText(format.Render(format.Result{
		Title:   title,
		Success: true,
	}, opts)), nil
}

// runningSandbox resolves a project to its Running record.
func (s *Server) runningSandbox(projectID string) (*sandbox.Record, error) {
	rec, ok := s.manager.Registry().Get(projectID)
	if !ok {
		return nil, sandbox.UnavailableError(projectID, "")
	}
	if rec.State != sandbox.StateRunning {
		return nil, sandbox.UnavailableError(projectID, rec.State)
	}
	return rec, nil
}

// parsePortSpecs parses 'container' or 'container:host' strings.
func parsePortSpecs(specs []string) ([]sandbox.PortMapping, error) {
	var out []sandbox.PortMapping
	for _, spec := range specs {
		cp, hp, found := strings.Cut(strings.TrimSpace(spec), ":")
		containerPort, err := strconv.Atoi(cp)
		if err != nil {
			return nil, sandbox.NewError(sandbox.KindValidation,
				fmt.Sprintf("invalid port spec %q (use 'container' or 'container:host')", spec))
		}
		hostPort := 0
		if found {
			hostPort, err = strconv.Atoi(hp)
			if err != nil {
				return nil, sandbox.NewError(sandbox.KindValidation,
					fmt.Sprintf("invalid host port in %q", spec))
			}
		}
		out = append(out, sandbox.PortMapping{ContainerPort: containerPort, HostPort: hostPort})
	}
	return out, nil
}

func portLines(ports []sandbox.PortMapping) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = fmt.Sprintf("%d->%d", p.ContainerPort, p.HostPort)
	}
	return out
}

func toFormatDiagnostics(diags []dotnet.Diagnostic) []format.Diagnostic {
	var out []format.Diagnostic
	for _, d := range diags {
		if !d.Parsed {
			continue
		}
		line := fmt.Sprintf("%s %s: %s", d.Severity, d.Code, d.Message)
		if d.File != "" {
			line = fmt.Sprintf("%s(%d,%d): %s", d.File, d.Line, d.Column, line)
		}
		out = append(out, format.Diagnostic{Line: line, Suggestions: d.Suggestions})
	}
	return out
}
