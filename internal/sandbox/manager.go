package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Supported .NET versions and the image tags they map to.
var imageTags = map[string]string{
	"8":      "8.0",
	"9":      "9.0",
	"10-rc2": "10.0-rc.2",
}

// DefaultDotnetVersion is used when a tool call omits the version.
const DefaultDotnetVersion = "9"

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	Registry      string  // image registry prefix, or "local" for prebuilt images
	WorkspaceRoot string  // host directory holding per-sandbox workspaces
	Memory        string  // e.g. "512m"
	CPUs          float64 // e.g. 0.5
	PidsLimit     int64
	User          string // container user, e.g. "1000:1000"
}

// AcquireOptions describes the sandbox a caller needs.
type AcquireOptions struct {
	ProjectID     string
	DotnetVersion string
	Ports         []PortMapping // HostPort 0 = allocator picks
}

// Manager owns sandbox lifecycles: Creating -> Running -> Stopping ->
// Removed, with Failed terminal out of Creating and Stopping. All
// admission and port decisions happen before the container starts.
type Manager struct {
	engine   Engine
	registry *Registry
	ports    *PortAllocator
	cfg      ManagerConfig
	logger   *slog.Logger
	metrics  *Metrics     // nil = metrics disabled
	tracer   trace.Tracer // nil = tracing disabled
	sink     EventSink    // nil = history disabled
}

// EventSink receives lifecycle and execution telemetry. The history
// store implements it; a nil sink disables recording.
type EventSink interface {
	SandboxEvent(ctx context.Context, event string, rec *Record)
	ExecutionEvent(ctx context.Context, projectID, command string, res *ExecutionResult)
}

// NewManager wires a lifecycle manager.
func NewManager(engine Engine, registry *Registry, ports *PortAllocator, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.Registry == "" {
		cfg.Registry = "mcr.microsoft.com/dotnet/sdk"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(os.TempDir(), "dotbox")
	}
	if cfg.Memory == "" {
		cfg.Memory = "512m"
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = 0.5
	}
	if cfg.PidsLimit == 0 {
		cfg.PidsLimit = 256
	}
	if cfg.User == "" {
		// The workspace is world-writable and HOME lives there, so
		// nothing needs root inside the container.
		cfg.User = "1000:1000"
	}
	return &Manager{
		engine:   engine,
		registry: registry,
		ports:    ports,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithMetrics attaches Prometheus metrics.
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithTracer attaches an OTel tracer.
func (m *Manager) WithTracer(tracer trace.Tracer) *Manager {
	m.tracer = tracer
	return m
}

// WithEventSink attaches a lifecycle/execution event recorder.
func (m *Manager) WithEventSink(sink EventSink) *Manager {
	m.sink = sink
	return m
}

// Registry exposes the underlying registry for read paths.
func (m *Manager) Registry() *Registry { return m.registry }

// Image returns the container image for a validated dotnet version.
func (m *Manager) Image(dotnetVersion string) string {
	tag := imageTags[dotnetVersion]
	if m.cfg.Registry == "local" {
		return fmt.Sprintf("dotbox-sdk:%s", tag)
	}
	return fmt.Sprintf("%s:%s", m.cfg.Registry, tag)
}

// ValidateVersion normalizes and checks a dotnet version string.
func ValidateVersion(v string) (string, error) {
	if v == "" {
		return DefaultDotnetVersion, nil
	}
	if _, ok := imageTags[v]; !ok {
		return "", NewError(KindValidation,
			fmt.Sprintf("unsupported dotnet_version %q", v),
			"Supported versions: 8, 9, 10-rc2")
	}
	return v, nil
}

// Acquire returns the running sandbox for the project, creating one if
// needed. Concurrent acquires for the same project serialize on the
// project lock so exactly one container is created; the losers observe
// the winner's Running record and return it.
func (m *Manager) Acquire(ctx context.Context, opts AcquireOptions) (*Record, error) {
	version, err := ValidateVersion(opts.DotnetVersion)
	if err != nil {
		return nil, err
	}
	if opts.ProjectID == "" {
		opts.ProjectID = "default"
	}

	ctx, span := m.startSpan(ctx, "sandbox.acquire",
		attribute.String("project_id", opts.ProjectID),
		attribute.String("dotnet_version", version))
	defer span.End()

	unlock := m.registry.LockProject(opts.ProjectID)
	defer unlock()

	if existing, ok := m.registry.Get(opts.ProjectID); ok && existing.State == StateRunning {
		m.registry.Touch(existing.ID)
		return existing, nil
	}

	rec := &Record{
		ID:             uuid.NewString(),
		ProjectID:      opts.ProjectID,
		DotnetVersion:  version,
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
	}
	if err := m.registry.Reserve(rec); err != nil {
		return nil, err
	}

	rec, err = m.provision(ctx, rec, opts)
	if err != nil {
		m.registry.SetState(rec.ID, StateFailed)
		m.registry.Drop(rec.ID)
		m.ports.Release(rec.ID)
		if rec.WorkspaceHost != "" {
			_ = os.RemoveAll(rec.WorkspaceHost)
		}
		if m.metrics != nil {
			m.metrics.Creations.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	m.registry.SetState(rec.ID, StateRunning)
	m.registry.Touch(rec.ID)
	if m.metrics != nil {
		m.metrics.Creations.WithLabelValues("ok").Inc()
		m.metrics.Active.Set(float64(len(m.registry.List())))
	}
	if m.sink != nil {
		m.sink.SandboxEvent(ctx, "created", rec)
	}
	m.logger.Info("sandbox created",
		slog.String("project_id", rec.ProjectID),
		slog.String("dotnet_version", rec.DotnetVersion),
		slog.String("container", rec.ContainerName),
	)

	out, _ := m.registry.Get(opts.ProjectID)
	return out, nil
}

// provision does the failable part of Acquire: ports, workspace, image,
// container. It mutates rec in place and returns it for error paths.
func (m *Manager) provision(ctx context.Context, rec *Record, opts AcquireOptions) (*Record, error) {
	for _, p := range opts.Ports {
		if p.ContainerPort <= 0 || p.ContainerPort > 65535 {
			return rec, NewError(KindValidation,
				fmt.Sprintf("invalid container port %d", p.ContainerPort))
		}
		host, err := m.ports.Allocate(rec.ID, p.HostPort)
		if err != nil {
			return rec, err
		}
		rec.Ports = append(rec.Ports, PortMapping{ContainerPort: p.ContainerPort, HostPort: host})
	}

	if err := os.MkdirAll(m.cfg.WorkspaceRoot, 0o755); err != nil {
		return rec, WrapError(KindInfrastructure, "creating workspace root", err)
	}
	ws, err := os.MkdirTemp(m.cfg.WorkspaceRoot, rec.ProjectID+"-")
	if err != nil {
		return rec, WrapError(KindInfrastructure, "creating workspace", err)
	}
	// The container user must be able to write the bind mount.
	if err := os.Chmod(ws, 0o777); err != nil {
		return rec, WrapError(KindInfrastructure, "preparing workspace", err)
	}
	rec.WorkspaceHost = ws

	image := m.Image(rec.DotnetVersion)
	if m.cfg.Registry != "local" {
		if err := m.engine.EnsureImage(ctx, image); err != nil {
			return rec, WrapError(KindInfrastructure, fmt.Sprintf("ensuring image %s", image), err)
		}
	}

	name := ContainerName(rec.DotnetVersion, rec.ProjectID, rec.ID[:8])
	containerID, err := m.engine.CreateContainer(ctx, ContainerSpec{
		Name:  name,
		Image: image,
		Labels: map[string]string{
			ManagedByLabel: ManagedByValue,
			ProjectLabel:   rec.ProjectID,
			VersionLabel:   rec.DotnetVersion,
			CreatedAtLabel: rec.CreatedAt.Format(time.RFC3339),
		},
		WorkspaceHost: ws,
		Ports:         rec.Ports,
		Env: []string{
			"DOTNET_CLI_TELEMETRY_OPTOUT=1",
			"DOTNET_NOLOGO=1",
			"HOME=" + WorkspaceDir,
			"DOTNET_CLI_HOME=" + WorkspaceDir,
			"NUGET_PACKAGES=" + WorkspaceDir + "/.nuget/packages",
		},
		Memory:    m.cfg.Memory,
		CPUs:      m.cfg.CPUs,
		PidsLimit: m.cfg.PidsLimit,
		User:      m.cfg.User,
	})
	if err != nil {
		return rec, WrapError(KindInfrastructure, "creating container", err)
	}
	rec.ContainerID = containerID
	rec.ContainerName = name
	m.registry.SetContainer(rec.ID, containerID, name)
	m.registry.SetPorts(rec.ID, rec.Ports)
	m.registry.SetWorkspace(rec.ID, rec.WorkspaceHost)
	return rec, nil
}

// Release stops and removes the project's sandbox, frees its ports and
// deletes its workspace. Releasing a project with no sandbox, or one
// already being released, succeeds without effect.
func (m *Manager) Release(ctx context.Context, projectID string) error {
	ctx, span := m.startSpan(ctx, "sandbox.release",
		attribute.String("project_id", projectID))
	defer span.End()

	unlock := m.registry.LockProject(projectID)
	defer unlock()

	rec, ok := m.registry.Get(projectID)
	if !ok || rec.State == StateRemoved || rec.State == StateStopping {
		return nil
	}
	return m.release(ctx, rec)
}

// release tears one sandbox down. Caller holds the project lock.
func (m *Manager) release(ctx context.Context, rec *Record) error {
	m.registry.SetState(rec.ID, StateStopping)

	if rec.ContainerID != "" {
		if err := m.engine.StopRemove(ctx, rec.ContainerID); err != nil {
			m.registry.SetState(rec.ID, StateFailed)
			if m.metrics != nil {
				m.metrics.Releases.WithLabelValues("error").Inc()
			}
			return WrapError(KindInfrastructure, "removing container", err)
		}
	}

	m.ports.Release(rec.ID)
	if rec.WorkspaceHost != "" {
		if err := os.RemoveAll(rec.WorkspaceHost); err != nil {
			m.logger.Warn("removing workspace",
				slog.String("path", rec.WorkspaceHost),
				slog.String("error", err.Error()),
			)
		}
	}

	m.registry.SetState(rec.ID, StateRemoved)
	m.registry.Drop(rec.ID)
	if m.metrics != nil {
		m.metrics.Releases.WithLabelValues("ok").Inc()
		m.metrics.Active.Set(float64(len(m.registry.List())))
	}
	if m.sink != nil {
		m.sink.SandboxEvent(ctx, "released", rec)
	}
	m.logger.Info("sandbox released",
		slog.String("project_id", rec.ProjectID),
		slog.String("container", rec.ContainerName),
	)
	return nil
}

// ReleaseAll tears down every active sandbox, best-effort. It returns
// the number released and the collected errors.
func (m *Manager) ReleaseAll(ctx context.Context) (int, error) {
	var (
		released int
		errs     []error
	)
	for _, rec := range m.registry.List() {
		if err := m.Release(ctx, rec.ProjectID); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", rec.ProjectID, err))
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}

// List returns all active sandboxes, oldest first.
func (m *Manager) List() []*Record {
	return m.registry.List()
}

// CleanupOrphans removes every managed container the engine knows of,
// regardless of registry state. Used by the cleanup command to recover
// from a crashed server.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	ids, err := m.engine.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing managed containers: %w", err)
	}
	var (
		removed int
		errs    []error
	)
	for _, id := range ids {
		if err := m.engine.StopRemove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", id, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
