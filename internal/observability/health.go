package observability

import (
	"context"
	"log/slog"
	"time"
)

// readyProbeTimeout bounds each dependency probe so a hung Docker
// daemon cannot stall the readiness endpoint.
const readyProbeTimeout = 3 * time.Second

// HealthChecker answers the liveness and readiness endpoints. Liveness
// is unconditional; readiness runs the registered dependency probes
// (the Docker daemon, the history store when enabled) and reports
// degraded when any fail. Sandboxes cannot be created while the engine
// probe fails.
type HealthChecker struct {
	probes []probe
	logger *slog.Logger
}

type probe struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON body served on /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a checker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.probes = append(h.probes, probe{name: name, check: check})
}

// CheckHealth reports liveness. A process that can answer is alive, so
// this never degrades.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered probe under a shared timeout and
// aggregates the results. One failing dependency degrades the whole
// server.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.probes) == 0 {
		return HealthStatus{Status: "ok"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()

	out := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.probes)),
	}
	for _, p := range h.probes {
		err := p.check(probeCtx)
		if err == nil {
			out.Checks[p.name] = CheckResult{Status: "ok"}
			continue
		}
		out.Status = "degraded"
		out.Checks[p.name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness probe failed",
				slog.String("check", p.name),
				slog.String("error", err.Error()),
			)
		}
	}
	return out
}
