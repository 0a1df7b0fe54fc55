package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper defaults.
const (
	DefaultIdleTTL       = time.Hour
	DefaultSweepInterval = time.Minute
)

// Reaper releases sandboxes whose last activity predates the idle TTL.
// It looks at LastActivityAt only; a sandbox with a long-running
// background process but no tool calls is still reclaimed.
type Reaper struct {
	manager  *Manager
	logger   *slog.Logger
	metrics  *Metrics
	ttl      time.Duration
	interval time.Duration
}

// NewReaper creates an idle reaper. Zero ttl or interval take defaults.
func NewReaper(manager *Manager, ttl, interval time.Duration, logger *slog.Logger) *Reaper {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reaper{
		manager:  manager,
		logger:   logger,
		ttl:      ttl,
		interval: interval,
	}
}

// WithMetrics attaches Prometheus metrics.
func (r *Reaper) WithMetrics(m *Metrics) *Reaper {
	r.metrics = m
	return r
}

// Start schedules periodic sweeps and returns a cancel func. The
// scheduler also stops when ctx is canceled.
func (r *Reaper) Start(ctx context.Context) func() {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), func() {
		r.Sweep(ctx)
	})
	if err != nil {
		// Interval is validated above; this only fires on a programming error.
		r.logger.Error("scheduling reaper", slog.String("error", err.Error()))
		return func() {}
	}
	c.Start()
	r.logger.Debug("reaper started",
		slog.Duration("idle_ttl", r.ttl),
		slog.Duration("interval", r.interval),
	)

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return func() { c.Stop() }
}

// Sweep releases every sandbox idle past the TTL and returns how many
// it reclaimed. Sandboxes touched after the cutoff are never released.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.ttl)
	reaped := 0
	for _, rec := range r.manager.Registry().IdleSince(cutoff) {
		if err := r.manager.Release(ctx, rec.ProjectID); err != nil {
			r.logger.Warn("reaping sandbox",
				slog.String("project_id", rec.ProjectID),
				slog.String("error", err.Error()),
			)
			continue
		}
		reaped++
		if r.metrics != nil {
			r.metrics.Reaped.Inc()
		}
		r.logger.Info("idle sandbox reclaimed",
			slog.String("project_id", rec.ProjectID),
			slog.Duration("idle", time.Since(rec.LastActivityAt)),
		)
	}
	return reaped
}
