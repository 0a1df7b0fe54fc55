package engine

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/domibies/dotbox/internal/sandbox"
)

// maxFileBytes caps a single file read through the tar bridge.
const maxFileBytes = 10 << 20 // 10 MiB

// resolvePath confines a caller-supplied path to the workspace.
// Relative paths resolve under /workspace; traversal out of it fails.
func resolvePath(p string) (string, error) {
	if p == "" || p == "." {
		return sandbox.WorkspaceDir, nil
	}
	if !path.IsAbs(p) {
		p = path.Join(sandbox.WorkspaceDir, p)
	}
	clean := path.Clean(p)
	if clean != sandbox.WorkspaceDir && !strings.HasPrefix(clean, sandbox.WorkspaceDir+"/") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return clean, nil
}

// WriteFile places content at p inside the container via the archive
// API. Parent directories are created first.
func (d *Docker) WriteFile(ctx context.Context, containerID, p string, content []byte) error {
	target, err := resolvePath(p)
	if err != nil {
		return err
	}
	dir := path.Dir(target)
	if dir != sandbox.WorkspaceDir {
		if _, err := d.Exec(ctx, containerID, sandbox.ExecOptions{
			Cmd: []string{"mkdir", "-p", dir},
		}); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	var buf strings.Builder
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(target),
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	if err := d.cli.CopyToContainer(ctx, containerID, dir,
		strings.NewReader(buf.String()), container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s into container: %w", target, err)
	}
	return nil
}

// ReadFile reads p from inside the container via the archive API.
func (d *Docker) ReadFile(ctx context.Context, containerID, p string) ([]byte, error) {
	target, err := resolvePath(p)
	if err != nil {
		return nil, err
	}
	rc, _, err := d.cli.CopyFromContainer(ctx, containerID, target)
	if err != nil {
		return nil, fmt.Errorf("copying %s from container: %w", target, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("file %s not found in archive", target)
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxFileBytes {
			return nil, fmt.Errorf("file %s exceeds %d bytes", target, maxFileBytes)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxFileBytes))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", target, err)
		}
		return data, nil
	}
}

// ListFiles returns the workspace entries under dir, sorted by path.
// It walks the archive the daemon hands back rather than shelling out,
// so the listing works the same on any image.
func (d *Docker) ListFiles(ctx context.Context, containerID, dir string) ([]sandbox.FileInfo, error) {
	target, err := resolvePath(dir)
	if err != nil {
		return nil, err
	}
	rc, _, err := d.cli.CopyFromContainer(ctx, containerID, target)
	if err != nil {
		return nil, fmt.Errorf("copying %s from container: %w", target, err)
	}
	defer rc.Close()

	var out []sandbox.FileInfo
	tr := tar.NewReader(rc)
	root := path.Base(target)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(hdr.Name, root), "/")
		rel = strings.TrimSuffix(rel, "/")
		if rel == "" {
			continue
		}
		out = append(out, sandbox.FileInfo{
			Path:  rel,
			Size:  hdr.Size,
			IsDir: hdr.Typeflag == tar.TypeDir,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
