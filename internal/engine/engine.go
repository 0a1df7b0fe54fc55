// Package engine implements the sandbox.Engine interface on the Docker
// control API. It is the only package that talks to the daemon; the
// lifecycle manager above it never sees Docker types.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/domibies/dotbox/internal/sandbox"
)

const stopTimeoutSeconds = 10

// Docker drives sandbox containers through the Docker Engine API.
type Docker struct {
	cli    *client.Client
	logger *slog.Logger
}

// New connects to the daemon from the environment (DOCKER_HOST et al)
// and verifies it responds.
func New(ctx context.Context, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return &Docker{cli: cli, logger: logger}, nil
}

// Close releases the client connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Ping checks daemon liveness, for health checks.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// EnsureImage pulls the image unless it is already present.
func (d *Docker) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	d.logger.Info("pulling image", slog.String("image", ref))
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer rc.Close()
	// Drain the progress stream; the pull completes when it closes.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	return nil
}

// CreateContainer creates and starts a hardened sandbox container. The
// root filesystem is read-only; only the workspace bind and /tmp are
// writable.
func (d *Docker) CreateContainer(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		}}
	}

	memory, err := units.RAMInBytes(spec.Memory)
	if err != nil {
		return "", fmt.Errorf("parsing memory limit %q: %w", spec.Memory, err)
	}
	pids := spec.PidsLimit

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"sleep", "infinity"},
		WorkingDir:   sandbox.WorkspaceDir,
		Labels:       spec.Labels,
		Env:          spec.Env,
		User:         spec.User,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Binds:          []string{spec.WorkspaceHost + ":" + sandbox.WorkspaceDir + ":rw"},
		PortBindings:   bindings,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=256m"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // no swap beyond the memory limit
			NanoCPUs:   int64(spec.CPUs * 1e9),
			PidsLimit:  &pids,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StopRemove stops and force-removes a container. A container that is
// already gone is not an error.
func (d *Docker) StopRemove(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			d.logger.Debug("stopping container",
				slog.String("container", containerID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// ListManaged returns the IDs of every container this server created,
// running or not.
func (d *Docker) ListManaged(ctx context.Context) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label",
		sandbox.ManagedByLabel+"="+sandbox.ManagedByValue))
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Logs returns container log output, stdout and stderr interleaved.
func (d *Docker) Logs(ctx context.Context, containerID string, opts sandbox.LogOptions) (string, error) {
	lo := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if opts.Tail > 0 {
		lo.Tail = strconv.Itoa(opts.Tail)
	}
	if opts.Since > 0 {
		lo.Since = time.Now().Add(-opts.Since).Format(time.RFC3339)
	}
	rc, err := d.cli.ContainerLogs(ctx, containerID, lo)
	if err != nil {
		return "", fmt.Errorf("reading logs: %w", err)
	}
	defer rc.Close()
	return demuxLogs(rc)
}
