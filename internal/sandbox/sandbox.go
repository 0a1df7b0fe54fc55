// Package sandbox manages the lifecycle of ephemeral .NET sandboxes:
// admission against a concurrency ceiling, host port reservation,
// command execution with timeouts, and idle reaping.
//
// The package owns the orchestration state; the actual container
// plumbing sits behind the Engine interface so tests run against a
// fake and production wires the Docker engine.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// State is a sandbox lifecycle state.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateRemoved  State = "removed"
	StateFailed   State = "failed"
)

// TimedOutExitCode is the sentinel exit code reported when a command
// was killed because its deadline expired.
const TimedOutExitCode = -1

// Labels applied to every container this server creates. ListManaged
// and orphan cleanup select on ManagedByLabel only.
const (
	ManagedByLabel = "managed-by"
	ManagedByValue = "dotbox"
	ProjectLabel   = "dotbox.project-id"
	VersionLabel   = "dotbox.dotnet-version"
	CreatedAtLabel = "dotbox.created-at"
)

// WorkspaceDir is the working directory inside every sandbox. All file
// operations are confined to it.
const WorkspaceDir = "/workspace"

// PortMapping maps a port inside the sandbox to a reserved host port.
type PortMapping struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

// Record is the registry's view of one sandbox.
type Record struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id"`
	ContainerID    string        `json:"container_id,omitempty"`
	ContainerName  string        `json:"container_name,omitempty"`
	DotnetVersion  string        `json:"dotnet_version"`
	State          State         `json:"state"`
	Ports          []PortMapping `json:"ports,omitempty"`
	WorkspaceHost  string        `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// IdleFor reports how long the sandbox has gone without activity.
func (r *Record) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastActivityAt)
}

// ExecutionResult is the outcome of one command run inside a sandbox.
// On timeout the partial output captured so far is preserved, ExitCode
// is TimedOutExitCode, and TimedOut is true.
type ExecutionResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
}

// ContainerSpec describes the container an Engine must create.
type ContainerSpec struct {
	Name          string
	Image         string
	Labels        map[string]string
	WorkspaceHost string // host path bind-mounted at WorkspaceDir (rw)
	Ports         []PortMapping
	Env           []string
	Memory        string // human form, e.g. "512m"
	CPUs          float64
	PidsLimit     int64
	User          string
}

// ExecOptions controls a single exec inside a running container.
type ExecOptions struct {
	Cmd        []string
	WorkingDir string
	Env        []string
}

// ExecOutput is the raw engine-level result of an exec.
type ExecOutput struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// FileInfo describes one entry under the sandbox workspace.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// LogOptions selects container log output.
type LogOptions struct {
	Tail  int           // last N lines, 0 = all
	Since time.Duration // only entries newer than now-Since, 0 = all
}

// Engine is the container control surface the lifecycle manager needs.
// The Docker implementation lives in internal/engine; tests use a fake.
type Engine interface {
	// EnsureImage makes the image available locally, pulling on miss.
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer creates and starts a container, returning its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// Exec runs a command inside a running container. A ctx deadline
	// kills the exec; partial output is still returned alongside
	// context.DeadlineExceeded.
	Exec(ctx context.Context, containerID string, opts ExecOptions) (*ExecOutput, error)

	// StopRemove stops and removes a container. Removing a container
	// that is already gone is not an error.
	StopRemove(ctx context.Context, containerID string) error

	// WriteFile places content at path inside the container.
	WriteFile(ctx context.Context, containerID, path string, content []byte) error

	// ReadFile reads path from inside the container.
	ReadFile(ctx context.Context, containerID, path string) ([]byte, error)

	// ListFiles lists workspace entries under dir.
	ListFiles(ctx context.Context, containerID, dir string) ([]FileInfo, error)

	// Logs returns container log output (stdout+stderr interleaved).
	Logs(ctx context.Context, containerID string, opts LogOptions) (string, error)

	// ListManaged returns the container IDs carrying the managed-by label.
	ListManaged(ctx context.Context) ([]string, error)
}

// ContainerName builds the deterministic container name for a sandbox.
func ContainerName(dotnetVersion, projectID, shortID string) string {
	return fmt.Sprintf("dotbox-net%s-%s-%s", dotnetVersion, projectID, shortID)
}
