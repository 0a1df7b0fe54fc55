package dotnet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultNuGetBaseURL is the nuget.org v3 flat-container endpoint.
const DefaultNuGetBaseURL = "https://api.nuget.org/v3-flatcontainer"

// negativeCacheTTL is how long a failed lookup suppresses retries.
const negativeCacheTTL = 5 * time.Minute

// NuGetClient resolves the latest stable version of a package through
// the flat-container API. Hits are cached for the process lifetime;
// misses are cached briefly so a mistyped package name does not hammer
// the registry on every retry.
type NuGetClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	versions map[string]string    // lowercase package ID -> version
	misses   map[string]time.Time // lowercase package ID -> expiry
}

// NewNuGetClient creates a resolver against baseURL (empty = nuget.org).
func NewNuGetClient(baseURL string, logger *slog.Logger) *NuGetClient {
	if baseURL == "" {
		baseURL = DefaultNuGetBaseURL
	}
	return &NuGetClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
		versions: make(map[string]string),
		misses:   make(map[string]time.Time),
	}
}

// LatestStableVersion resolves the newest non-prerelease version of a
// package. Unknown packages fail fast while the negative cache entry
// is fresh.
func (c *NuGetClient) LatestStableVersion(ctx context.Context, name string) (string, error) {
	id := strings.ToLower(name)

	c.mu.Lock()
	if v, ok := c.versions[id]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if until, ok := c.misses[id]; ok && time.Now().Before(until) {
		c.mu.Unlock()
		return "", fmt.Errorf("package %q not found (cached)", name)
	}
	c.mu.Unlock()

	v, err := c.fetch(ctx, id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.misses[id] = time.Now().Add(negativeCacheTTL)
		return "", err
	}
	c.versions[id] = v
	return v, nil
}

func (c *NuGetClient) fetch(ctx context.Context, id string) (string, error) {
	url := fmt.Sprintf("%s/%s/index.json", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying nuget: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("package %q not found on nuget.org", id)
	default:
		return "", fmt.Errorf("nuget returned status %d for %q", resp.StatusCode, id)
	}

	var index struct {
		Versions []string `json:"versions"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&index); err != nil {
		return "", fmt.Errorf("decoding nuget index: %w", err)
	}

	// The index is ordered oldest to newest; take the newest stable.
	for i := len(index.Versions) - 1; i >= 0; i-- {
		if !strings.Contains(index.Versions[i], "-") {
			return index.Versions[i], nil
		}
	}
	return "", fmt.Errorf("package %q has no stable versions", id)
}

// ResolvePackages fills in missing versions on the refs, in order.
func (c *NuGetClient) ResolvePackages(ctx context.Context, refs []PackageRef) ([]PackageRef, error) {
	out := make([]PackageRef, len(refs))
	for i, ref := range refs {
		out[i] = ref
		if ref.Version != "" {
			continue
		}
		v, err := c.LatestStableVersion(ctx, ref.Name)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", ref.Name, err)
		}
		out[i].Version = v
		c.logger.Debug("resolved package version",
			slog.String("package", ref.Name),
			slog.String("version", v),
		)
	}
	return out, nil
}
