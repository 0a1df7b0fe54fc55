package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/domibies/dotbox/internal/sandbox"
)

// maxOutputBytes caps each captured stream. Runaway output is
// truncated, not buffered without bound.
const maxOutputBytes = 1 << 20 // 1 MiB

const execPollInterval = 100 * time.Millisecond

// limitedWriter caps how much output we retain per stream.
type limitedWriter struct {
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func newLimitedWriter(limit int) *limitedWriter {
	return &limitedWriter{remaining: limit}
}

// Write discards bytes beyond the limit but never reports an error, so
// the copy keeps draining the stream.
func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.remaining <= 0 {
		w.truncated = w.truncated || n > 0
		return n, nil
	}
	if n > w.remaining {
		w.buf.Write(p[:w.remaining])
		w.remaining = 0
		w.truncated = true
		return n, nil
	}
	w.buf.Write(p)
	w.remaining -= n
	return n, nil
}

func (w *limitedWriter) String() string { return w.buf.String() }

// Exec runs a command inside a running container and captures its
// output. When ctx expires before the command finishes, the attach is
// torn down, a best-effort kill is sent to the process, and the output
// captured so far is returned together with context.DeadlineExceeded.
func (d *Docker) Exec(ctx context.Context, containerID string, opts sandbox.ExecOptions) (*sandbox.ExecOutput, error) {
	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = sandbox.WorkspaceDir
	}

	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   workDir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	stdout := newLimitedWriter(maxOutputBytes)
	stderr := newLimitedWriter(maxOutputBytes)

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	// Tear the stream down when the deadline hits so StdCopy unblocks.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-watchDone:
		}
	}()

	copyErr := <-copyDone
	close(watchDone)

	out := &sandbox.ExecOutput{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctx.Err() != nil {
		d.killExecProcess(containerID, opts.Cmd)
		out.ExitCode = sandbox.TimedOutExitCode
		return out, context.DeadlineExceeded
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return out, fmt.Errorf("reading exec output: %w", copyErr)
	}

	exitCode, err := d.waitExecDone(ctx, execResp.ID)
	if err != nil {
		return out, err
	}
	out.ExitCode = exitCode
	return out, nil
}

// waitExecDone polls until the exec'd process has exited and returns
// its exit code. The stream closing precedes the inspect state flip,
// hence the polling.
func (d *Docker) waitExecDone(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()
	for {
		ins, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("inspecting exec: %w", err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// killExecProcess best-effort kills a timed-out command inside the
// container. Docker has no exec-kill API, so it matches on the command
// line. Errors are logged and swallowed; the sandbox stays usable
// either way.
func (d *Docker) killExecProcess(containerID string, cmd []string) {
	if len(cmd) == 0 {
		return
	}
	pattern := cmd[0]
	if len(cmd) >= 3 && cmd[0] == "sh" && cmd[1] == "-c" {
		pattern = cmd[2]
	}
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := d.cli.ContainerExecCreate(killCtx, containerID, container.ExecOptions{
		Cmd: []string{"sh", "-c", fmt.Sprintf("pkill -9 -f %q || true", pattern)},
	})
	if err != nil {
		d.logger.Debug("killing timed-out process",
			slog.String("container", containerID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := d.cli.ContainerExecStart(killCtx, resp.ID, container.ExecStartOptions{}); err != nil {
		d.logger.Debug("killing timed-out process",
			slog.String("container", containerID),
			slog.String("error", err.Error()),
		)
	}
}

// demuxLogs splits a multiplexed log stream into plain text.
func demuxLogs(r io.Reader) (string, error) {
	var out strings.Builder
	combined := newLimitedWriter(maxOutputBytes)
	if _, err := stdcopy.StdCopy(combined, combined, r); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("demuxing logs: %w", err)
	}
	out.WriteString(combined.String())
	return out.String(), nil
}
