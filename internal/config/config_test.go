package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.MaxSandboxes != 0 {
		t.Errorf("MaxSandboxes = %d, want 0 (registry applies the default)", cfg.Sandbox.MaxSandboxes)
	}
	if got := cfg.Sandbox.IdleTTL(); got != time.Hour {
		t.Errorf("IdleTTL() = %s, want 1h", got)
	}
	if got := cfg.Sandbox.SweepInterval(); got != time.Minute {
		t.Errorf("SweepInterval() = %s, want 1m", got)
	}
	if got := cfg.Sandbox.DefaultTimeout(); got != 30*time.Second {
		t.Errorf("DefaultTimeout() = %s, want 30s", got)
	}
	if cfg.HTTP != nil {
		t.Error("HTTP enabled by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
sandbox:
  max_sandboxes: 3
  memory: "1g"
  cpus: 1.5
  idle_ttl_minutes: 10
nuget:
  base_url: "https://mirror.example.com/v3-flatcontainer"
http:
  enabled: true
  listen_addr: ":9000"
history:
  enabled: true
  path: "/tmp/dotbox-history.db"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.MaxSandboxes != 3 {
		t.Errorf("MaxSandboxes = %d, want 3", cfg.Sandbox.MaxSandboxes)
	}
	if cfg.Sandbox.Memory != "1g" || cfg.Sandbox.CPUs != 1.5 {
		t.Errorf("resources = %q/%v", cfg.Sandbox.Memory, cfg.Sandbox.CPUs)
	}
	if got := cfg.Sandbox.IdleTTL(); got != 10*time.Minute {
		t.Errorf("IdleTTL() = %s, want 10m", got)
	}
	if cfg.NuGet.BaseURL != "https://mirror.example.com/v3-flatcontainer" {
		t.Errorf("NuGet.BaseURL = %q", cfg.NuGet.BaseURL)
	}
	if cfg.HTTP == nil || !cfg.HTTP.Enabled || cfg.HTTP.Addr() != ":9000" {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.History == nil || !cfg.History.Enabled {
		t.Errorf("History = %+v", cfg.History)
	}
	dbPath, err := cfg.History.DBPath()
	if err != nil {
		t.Fatal(err)
	}
	if dbPath != "/tmp/dotbox-history.db" {
		t.Errorf("DBPath() = %q", dbPath)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"sandbox":{"max_sandboxes":7}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.MaxSandboxes != 7 {
		t.Errorf("MaxSandboxes = %d, want 7", cfg.Sandbox.MaxSandboxes)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(":\n  - ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load succeeded on malformed YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOTBOX_MAX_SANDBOXES", "2")
	t.Setenv("DOTBOX_SANDBOX_REGISTRY", "local")
	t.Setenv("DOTBOX_HTTP_ADDR", ":9999")
	t.Setenv("DOTBOX_NUGET_URL", "https://env.example.com")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.MaxSandboxes != 2 {
		t.Errorf("MaxSandboxes = %d, want 2", cfg.Sandbox.MaxSandboxes)
	}
	if cfg.Sandbox.Registry != "local" {
		t.Errorf("Registry = %q", cfg.Sandbox.Registry)
	}
	if cfg.HTTP == nil || cfg.HTTP.Addr() != ":9999" {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.NuGet.BaseURL != "https://env.example.com" {
		t.Errorf("NuGet.BaseURL = %q", cfg.NuGet.BaseURL)
	}
}

func TestEnvOverrideInvalidNumber(t *testing.T) {
	t.Setenv("DOTBOX_MAX_SANDBOXES", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load succeeded with non-numeric DOTBOX_MAX_SANDBOXES")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative ceiling", func(c *Config) { c.Sandbox.MaxSandboxes = -1 }, true},
		{"absurd cpus", func(c *Config) { c.Sandbox.CPUs = 64 }, true},
		{"tracing without endpoint", func(c *Config) {
			c.Observability = &ObservabilityConfig{Tracing: &TracingConfig{Enabled: true}}
		}, true},
		{"tracing bad protocol", func(c *Config) {
			c.Observability = &ObservabilityConfig{Tracing: &TracingConfig{
				Enabled: true, Endpoint: "localhost:4317", Protocol: "udp",
			}}
		}, true},
		{"tracing valid", func(c *Config) {
			c.Observability = &ObservabilityConfig{Tracing: &TracingConfig{
				Enabled: true, Endpoint: "localhost:4317", Protocol: "grpc", SampleRate: 0.5,
			}}
		}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			tc.mutate(&cfg)
			err := cfg.validate()
			if tc.wantErr && err == nil {
				t.Error("validate() = nil, want error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("validate(): %v", err)
			}
		})
	}
}

func TestResolvePathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := resolvePath("~/x.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x.yaml") {
		t.Errorf("resolvePath(~/x.yaml) = %q", got)
	}
}
