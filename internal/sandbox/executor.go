package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultExecTimeout bounds a command when the caller does not.
const DefaultExecTimeout = 30 * time.Second

// MaxExecTimeout is the hard ceiling on any single command.
const MaxExecTimeout = 300 * time.Second

// backgroundLaunchTimeout bounds only the launch of a detached
// process, not the process itself.
const backgroundLaunchTimeout = 5 * time.Second

// Executor runs commands inside running sandboxes. Execs against the
// same sandbox serialize; different sandboxes run concurrently.
type Executor struct {
	engine   Engine
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	sink     EventSink

	mu    sync.Mutex
	locks map[string]*keyedLock // sandbox ID -> exec lock
}

// NewExecutor wires a command executor.
func NewExecutor(engine Engine, registry *Registry, logger *slog.Logger) *Executor {
	return &Executor{
		engine:   engine,
		registry: registry,
		logger:   logger,
		locks:    make(map[string]*keyedLock),
	}
}

// WithMetrics attaches Prometheus metrics.
func (e *Executor) WithMetrics(m *Metrics) *Executor {
	e.metrics = m
	return e
}

// WithTracer attaches an OTel tracer.
func (e *Executor) WithTracer(t trace.Tracer) *Executor {
	e.tracer = t
	return e
}

// WithEventSink attaches an execution event recorder.
func (e *Executor) WithEventSink(s EventSink) *Executor {
	e.sink = s
	return e
}

// Run executes argv inside the project's sandbox. A zero timeout uses
// DefaultExecTimeout; timeouts above MaxExecTimeout are clamped. When
// the deadline expires the in-container process tree is killed and the
// partial output captured so far comes back with TimedOut=true and the
// sentinel exit code. The sandbox stays Running in both outcomes.
func (e *Executor) Run(ctx context.Context, projectID string, argv []string, timeout time.Duration) (*ExecutionResult, error) {
	if len(argv) == 0 {
		return nil, NewError(KindValidation, "command must not be empty")
	}
	rec, err := e.running(projectID)
	if err != nil {
		return nil, err
	}

	switch {
	case timeout <= 0:
		timeout = DefaultExecTimeout
	case timeout > MaxExecTimeout:
		timeout = MaxExecTimeout
	}

	ctx, span := e.startSpan(ctx, "sandbox.exec",
		attribute.String("project_id", projectID),
		attribute.String("command", argv[0]))
	defer span.End()

	unlock := e.lockSandbox(rec.ID)
	defer unlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := e.engine.Exec(execCtx, rec.ContainerID, ExecOptions{
		Cmd:        argv,
		WorkingDir: WorkspaceDir,
	})
	elapsed := time.Since(start)

	res := &ExecutionResult{Duration: elapsed}
	if out != nil {
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		res.ExitCode = out.ExitCode
		res.Truncated = out.Truncated
	}

	switch {
	case err == nil:
		e.registry.Touch(rec.ID)
		e.record(ctx, projectID, argv, res, "ok")
		return res, nil

	case errors.Is(err, context.DeadlineExceeded):
		// Partial output survives; the sandbox is still usable.
		res.TimedOut = true
		res.ExitCode = TimedOutExitCode
		e.registry.Touch(rec.ID)
		e.record(ctx, projectID, argv, res, "timeout")
		e.logger.Warn("command timed out",
			slog.String("project_id", projectID),
			slog.Duration("timeout", timeout),
		)
		return res, nil

	default:
		e.record(ctx, projectID, argv, res, "error")
		return nil, WrapError(KindInfrastructure, "executing command", err)
	}
}

// RunShell executes a shell command line inside the sandbox.
func (e *Executor) RunShell(ctx context.Context, projectID, command string, timeout time.Duration) (*ExecutionResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, NewError(KindValidation, "command must not be empty")
	}
	return e.Run(ctx, projectID, []string{"sh", "-c", command}, timeout)
}

// RunBackground starts a detached process inside the sandbox and
// returns once a readiness grace period has passed. Output is
// redirected to the container's main process streams so Logs picks it
// up.
func (e *Executor) RunBackground(ctx context.Context, projectID, command string, waitForReady time.Duration) error {
	if strings.TrimSpace(command) == "" {
		return NewError(KindValidation, "command must not be empty")
	}
	rec, err := e.running(projectID)
	if err != nil {
		return err
	}

	ctx, span := e.startSpan(ctx, "sandbox.exec_background",
		attribute.String("project_id", projectID))
	defer span.End()

	// nohup + redirect to PID 1's streams so docker logs captures the
	// output after this exec session ends.
	detached := fmt.Sprintf("nohup %s </dev/null >/proc/1/fd/1 2>/proc/1/fd/2 &", command)

	launchCtx, cancel := context.WithTimeout(ctx, backgroundLaunchTimeout)
	defer cancel()

	unlock := e.lockSandbox(rec.ID)
	_, err = e.engine.Exec(launchCtx, rec.ContainerID, ExecOptions{
		Cmd:        []string{"sh", "-c", detached},
		WorkingDir: WorkspaceDir,
	})
	unlock()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindInfrastructure, "starting background process", err)
	}

	e.registry.Touch(rec.ID)
	e.logger.Info("background process started",
		slog.String("project_id", projectID),
		slog.Duration("wait_for_ready", waitForReady),
	)

	if waitForReady > 0 {
		select {
		case <-time.After(waitForReady):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// KillProcess kills processes matching pattern inside the sandbox.
// An empty pattern targets dotnet processes. Reports whether anything
// matched.
func (e *Executor) KillProcess(ctx context.Context, projectID, pattern string) (bool, error) {
	if pattern == "" {
		pattern = "dotnet"
	}
	res, err := e.RunShell(ctx, projectID, fmt.Sprintf("pkill -f %q", pattern), 10*time.Second)
	if err != nil {
		return false, err
	}
	// pkill exits 0 when at least one process matched, 1 when none did.
	return res.ExitCode == 0, nil
}

// running resolves the project's sandbox and checks it accepts execs.
func (e *Executor) running(projectID string) (*Record, error) {
	rec, ok := e.registry.Get(projectID)
	if !ok {
		return nil, UnavailableError(projectID, "")
	}
	if rec.State != StateRunning {
		return nil, UnavailableError(projectID, rec.State)
	}
	return rec, nil
}

func (e *Executor) lockSandbox(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &keyedLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

func (e *Executor) record(ctx context.Context, projectID string, argv []string, res *ExecutionResult, status string) {
	if e.metrics != nil {
		e.metrics.Executions.WithLabelValues(status).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(status).Observe(res.Duration.Seconds())
	}
	if e.sink != nil {
		e.sink.ExecutionEvent(ctx, projectID, strings.Join(argv, " "), res)
	}
}

func (e *Executor) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
