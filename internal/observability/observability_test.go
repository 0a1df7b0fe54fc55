package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/domibies/dotbox/internal/config"
)

func obsTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewNilConfig(t *testing.T) {
	obs, err := New(nil, obsTestLogger())
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if obs != nil {
		t.Errorf("New(nil) = %+v, want nil", obs)
	}
	// Nil-safe accessors.
	if obs.TracerOrNil() != nil {
		t.Error("TracerOrNil() on nil receiver != nil")
	}
	obs.Shutdown(context.Background()) // must not panic
}

func TestNewMetricsOnly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, obsTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("Metrics = nil with metrics enabled")
	}
	if obs.Tracer != nil {
		t.Error("Tracer created without tracing config")
	}
	if obs.Health == nil {
		t.Error("Health checker not created")
	}
}

func TestMetricsCollectorRecords(t *testing.T) {
	m := NewMetricsCollector()

	m.ToolCallsTotal.WithLabelValues("dotnet_execute_snippet", "ok").Inc()
	m.ToolCallsTotal.WithLabelValues("dotnet_execute_snippet", "ok").Inc()
	m.ToolCallsTotal.WithLabelValues("dotnet_start_sandbox", "error").Inc()

	if got := testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("dotnet_execute_snippet", "ok")); got != 2 {
		t.Errorf("ok calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("dotnet_start_sandbox", "error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}

	// Everything must be registered on the custom registry.
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}

func TestCheckHealthAlwaysOK(t *testing.T) {
	h := NewHealthChecker(obsTestLogger())
	h.AddCheck("failing", func(context.Context) error { return errors.New("down") })

	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("CheckHealth().Status = %q, want ok", got.Status)
	}
}

func TestCheckReady(t *testing.T) {
	h := NewHealthChecker(obsTestLogger())

	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no checks: Status = %q, want ok", got.Status)
	}

	h.AddCheck("docker", func(context.Context) error { return nil })
	got := h.CheckReady(context.Background())
	if got.Status != "ok" || got.Checks["docker"].Status != "ok" {
		t.Errorf("passing check: %+v", got)
	}

	h.AddCheck("sqlite", func(context.Context) error { return errors.New("locked") })
	got = h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", got.Status)
	}
	if got.Checks["sqlite"].Message != "locked" {
		t.Errorf("failure message = %q", got.Checks["sqlite"].Message)
	}
	if got.Checks["docker"].Status != "ok" {
		t.Errorf("healthy check reported %q", got.Checks["docker"].Status)
	}
}
