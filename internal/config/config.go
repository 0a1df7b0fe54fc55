// Package config handles loading and validating dotbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for dotbox.
type Config struct {
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	NuGet         NuGetConfig          `json:"nuget" yaml:"nuget"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = ops HTTP server disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = execution history disabled
}

// SandboxConfig tunes sandbox containers and their lifecycle.
type SandboxConfig struct {
	Registry              string  `json:"registry" yaml:"registry"`                               // Image registry prefix. Default: mcr.microsoft.com/dotnet/sdk. "local" = prebuilt dotbox-sdk images, never pulled.
	MaxSandboxes          int     `json:"max_sandboxes" yaml:"max_sandboxes"`                     // Concurrency ceiling. Default: 5.
	Memory                string  `json:"memory" yaml:"memory"`                                   // Per-sandbox memory limit. Default: "512m".
	CPUs                  float64 `json:"cpus" yaml:"cpus"`                                       // Per-sandbox CPU limit. Default: 0.5.
	PidsLimit             int64   `json:"pids_limit" yaml:"pids_limit"`                           // Per-sandbox process ceiling. Default: 256.
	User                  string  `json:"user" yaml:"user"`                                       // Container user. Default: "1000:1000".
	WorkspaceRoot         string  `json:"workspace_root" yaml:"workspace_root"`                   // Host directory for per-sandbox workspaces. Default: $TMPDIR/dotbox.
	IdleTTLMinutes        int     `json:"idle_ttl_minutes" yaml:"idle_ttl_minutes"`               // Reaper TTL. Default: 60.
	SweepIntervalSeconds  int     `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`   // Reaper sweep interval. Default: 60.
	DefaultTimeoutSeconds int     `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Per-command timeout. Default: 30.
}

// IdleTTL returns the reaper TTL as a duration.
func (s *SandboxConfig) IdleTTL() time.Duration {
	if s.IdleTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(s.IdleTTLMinutes) * time.Minute
}

// SweepInterval returns the reaper sweep interval as a duration.
func (s *SandboxConfig) SweepInterval() time.Duration {
	if s.SweepIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// DefaultTimeout returns the per-command timeout as a duration.
func (s *SandboxConfig) DefaultTimeout() time.Duration {
	if s.DefaultTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.DefaultTimeoutSeconds) * time.Second
}

// NuGetConfig configures package version resolution.
type NuGetConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"` // Flat-container endpoint. Default: nuget.org.
}

// HTTPConfig configures the ops/debug HTTP server.
type HTTPConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8970".
}

// Addr returns the listen address, defaulted.
func (h *HTTPConfig) Addr() string {
	if h.ListenAddr == "" {
		return ":8970"
	}
	return h.ListenAddr
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "dotbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HistoryConfig configures the SQLite execution history store.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: ~/.dotbox/history.db
}

// DBPath returns the database file path, defaulted under ~/.dotbox.
func (h *HistoryConfig) DBPath() (string, error) {
	if h.Path != "" {
		return resolvePath(h.Path)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".dotbox", "history.db"), nil
}

// DefaultConfigPath returns the conventional config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".dotbox", "config.yaml")
}

// Load reads the config file at path (YAML by extension, JSON
// otherwise), applies environment overrides, and validates. A missing
// file is not an error: the server runs fine on defaults plus env.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	// Environment variables take precedence over file values.
	if env := os.Getenv("DOTBOX_SANDBOX_REGISTRY"); env != "" {
		cfg.Sandbox.Registry = env
	}
	if env := os.Getenv("DOTBOX_MAX_SANDBOXES"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return nil, fmt.Errorf("parsing DOTBOX_MAX_SANDBOXES: %w", err)
		}
		cfg.Sandbox.MaxSandboxes = n
	}
	if env := os.Getenv("DOTBOX_IDLE_TTL_MINUTES"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return nil, fmt.Errorf("parsing DOTBOX_IDLE_TTL_MINUTES: %w", err)
		}
		cfg.Sandbox.IdleTTLMinutes = n
	}
	if env := os.Getenv("DOTBOX_WORKSPACE_ROOT"); env != "" {
		cfg.Sandbox.WorkspaceRoot = env
	}
	if env := os.Getenv("DOTBOX_NUGET_URL"); env != "" {
		cfg.NuGet.BaseURL = env
	}
	if env := os.Getenv("DOTBOX_HTTP_ADDR"); env != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = env
	}
	if env := os.Getenv("DOTBOX_HISTORY_PATH"); env != "" {
		if cfg.History == nil {
			cfg.History = &HistoryConfig{Enabled: true}
		}
		cfg.History.Path = env
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sandbox.MaxSandboxes < 0 {
		return fmt.Errorf("sandbox.max_sandboxes must not be negative")
	}
	if c.Sandbox.CPUs < 0 || c.Sandbox.CPUs > 16 {
		return fmt.Errorf("sandbox.cpus must be between 0 and 16")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.Protocol != "" && t.Protocol != "grpc" && t.Protocol != "http" {
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the home directory.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
