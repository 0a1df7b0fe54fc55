package dotnet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/domibies/dotbox/internal/sandbox"
)

// Timeouts for the two snippet phases. Builds pay the NuGet restore
// cost, so they get a longer leash than the run.
const (
	buildTimeout = 120 * time.Second
	runTimeout   = 30 * time.Second
)

// Runner executes C# snippets end to end: ephemeral sandbox, project
// scaffold, build, run, release.
type Runner struct {
	manager  *sandbox.Manager
	executor *sandbox.Executor
	engine   sandbox.Engine
	nuget    *NuGetClient
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRunner wires a snippet runner.
func NewRunner(manager *sandbox.Manager, executor *sandbox.Executor, engine sandbox.Engine, nuget *NuGetClient, logger *slog.Logger) *Runner {
	return &Runner{
		manager:  manager,
		executor: executor,
		engine:   engine,
		nuget:    nuget,
		logger:   logger,
	}
}

// WithTracer attaches an OTel tracer.
func (r *Runner) WithTracer(t trace.Tracer) *Runner {
	r.tracer = t
	return r
}

// SnippetRequest is one execute-snippet call.
type SnippetRequest struct {
	Code          string
	DotnetVersion string
	Packages      []string // Name or Name@version
	RunTimeout    time.Duration
}

// SnippetResult reports both phases. Phase names which one decided the
// outcome; on build failure Run is nil and Diagnostics carries the
// parsed, enhanced compiler errors.
type SnippetResult struct {
	Success     bool
	Phase       string // "build" or "run"
	Build       *sandbox.ExecutionResult
	Run         *sandbox.ExecutionResult
	Diagnostics []Diagnostic
}

// ExecuteSnippet compiles and runs a snippet in a fresh sandbox. The
// sandbox is released in every outcome, including panics in the engine
// below (the deferred release still runs on error returns).
func (r *Runner) ExecuteSnippet(ctx context.Context, req SnippetRequest) (*SnippetResult, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, sandbox.NewError(sandbox.KindValidation, "code must not be empty")
	}
	version, err := sandbox.ValidateVersion(req.DotnetVersion)
	if err != nil {
		return nil, err
	}
	tfm, err := TargetFramework(version)
	if err != nil {
		return nil, sandbox.WrapError(sandbox.KindValidation, "resolving target framework", err)
	}

	var refs []PackageRef
	for _, spec := range req.Packages {
		ref, err := ParsePackageSpec(spec)
		if err != nil {
			return nil, sandbox.WrapError(sandbox.KindValidation, "parsing packages", err)
		}
		refs = append(refs, ref)
	}
	refs, err = r.nuget.ResolvePackages(ctx, refs)
	if err != nil {
		return nil, sandbox.WrapError(sandbox.KindValidation, "resolving packages", err,
			"Check the package name, or pin a version with Name@version")
	}

	ctx, span := r.startSpan(ctx, "dotnet.execute_snippet",
		attribute.String("dotnet_version", version),
		attribute.Int("packages", len(refs)))
	defer span.End()

	projectID := "snippet-" + uuid.NewString()[:8]
	rec, err := r.manager.Acquire(ctx, sandbox.AcquireOptions{
		ProjectID:     projectID,
		DotnetVersion: version,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		// Snippet sandboxes never outlive the call.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.manager.Release(releaseCtx, projectID); err != nil {
			r.logger.Warn("releasing snippet sandbox",
				slog.String("project_id", projectID),
				slog.String("error", err.Error()),
			)
		}
	}()

	csproj := GenerateProject(tfm, refs)
	if err := r.engine.WriteFile(ctx, rec.ContainerID, "snippet.csproj", []byte(csproj)); err != nil {
		return nil, sandbox.WrapError(sandbox.KindInfrastructure, "writing project file", err)
	}
	if err := r.engine.WriteFile(ctx, rec.ContainerID, "Program.cs", []byte(req.Code)); err != nil {
		return nil, sandbox.WrapError(sandbox.KindInfrastructure, "writing Program.cs", err)
	}

	build, err := r.executor.Run(ctx, projectID, []string{"dotnet", "build", "--nologo"}, buildTimeout)
	if err != nil {
		return nil, err
	}
	if build.TimedOut || build.ExitCode != 0 {
		diags := Enhance(ParseBuildOutput(build.Stdout + "\n" + build.Stderr))
		return &SnippetResult{
			Phase:       "build",
			Build:       build,
			Diagnostics: diags,
		}, nil
	}

	runTO := req.RunTimeout
	if runTO <= 0 {
		runTO = runTimeout
	}
	run, err := r.executor.Run(ctx, projectID, []string{"dotnet", "run", "--no-build"}, runTO)
	if err != nil {
		return nil, err
	}
	return &SnippetResult{
		Success: !run.TimedOut && run.ExitCode == 0,
		Phase:   "run",
		Build:   build,
		Run:     run,
	}, nil
}

// BuildFailureError wraps a failed build phase into the error taxonomy
// for callers that want an error instead of a result.
func BuildFailureError(res *SnippetResult) error {
	n := len(Errors(res.Diagnostics))
	return sandbox.NewError(sandbox.KindBuildFailure,
		fmt.Sprintf("build failed with %d error(s)", n))
}

func (r *Runner) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
