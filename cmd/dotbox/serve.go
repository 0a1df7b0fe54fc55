package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/trace"

	"github.com/domibies/dotbox/internal/config"
	"github.com/domibies/dotbox/internal/dotnet"
	"github.com/domibies/dotbox/internal/engine"
	"github.com/domibies/dotbox/internal/history"
	"github.com/domibies/dotbox/internal/httpapi"
	"github.com/domibies/dotbox/internal/mcpserver"
	"github.com/domibies/dotbox/internal/observability"
	"github.com/domibies/dotbox/internal/sandbox"
)

var (
	serveConfigPath string
	serveHTTPAddr   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `dotbox --config path` and `dotbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "enable the ops HTTP server on this address (e.g. :8970)")
	}
}

// runServe wires the full server: Docker engine, sandbox manager,
// reaper, MCP stdio front-end, and the optional ops HTTP server.
func runServe(_ *cobra.Command, _ []string) error {
	// Stdout carries the MCP protocol, so all logging goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("DOTBOX_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveHTTPAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = serveHTTPAddr
	}

	logger.Info("starting dotbox",
		slog.String("version", version),
		slog.String("config", serveConfigPath),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	var tracer trace.Tracer
	var sandboxMetrics *sandbox.Metrics
	if ts := obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	if obs != nil && obs.Metrics != nil {
		sandboxMetrics = sandbox.NewMetrics(obs.Metrics.Registry)
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("docker", eng.Ping)
	}

	// History store (optional).
	var store *history.Store
	if cfg.History != nil && cfg.History.Enabled {
		dbPath, err := cfg.History.DBPath()
		if err != nil {
			return err
		}
		store, err = history.Open(dbPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	// Sandbox orchestration core.
	registry := sandbox.NewRegistry(cfg.Sandbox.MaxSandboxes)
	ports := sandbox.NewPortAllocator()
	manager := sandbox.NewManager(eng, registry, ports, sandbox.ManagerConfig{
		Registry:      cfg.Sandbox.Registry,
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		Memory:        cfg.Sandbox.Memory,
		CPUs:          cfg.Sandbox.CPUs,
		PidsLimit:     cfg.Sandbox.PidsLimit,
		User:          cfg.Sandbox.User,
	}, logger)
	executor := sandbox.NewExecutor(eng, registry, logger)
	if sandboxMetrics != nil {
		manager.WithMetrics(sandboxMetrics)
		executor.WithMetrics(sandboxMetrics)
	}
	if tracer != nil {
		manager.WithTracer(tracer)
		executor.WithTracer(tracer)
	}
	if store != nil {
		manager.WithEventSink(store)
		executor.WithEventSink(store)
	}

	// Remove containers left behind by a previous run.
	if n, err := manager.CleanupOrphans(ctx); err != nil {
		logger.Warn("orphan cleanup failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed orphaned containers", slog.Int("count", n))
	}

	reaper := sandbox.NewReaper(manager, cfg.Sandbox.IdleTTL(), cfg.Sandbox.SweepInterval(), logger)
	if sandboxMetrics != nil {
		reaper.WithMetrics(sandboxMetrics)
	}
	cancelReaper := reaper.Start(ctx)
	defer cancelReaper()

	nuget := dotnet.NewNuGetClient(cfg.NuGet.BaseURL, logger)
	runner := dotnet.NewRunner(manager, executor, eng, nuget, logger)
	if tracer != nil {
		runner.WithTracer(tracer)
	}

	// Ops HTTP server (optional).
	if cfg.HTTP != nil && cfg.HTTP.Enabled {
		httpCfg := httpapi.Config{
			ListenAddr: cfg.HTTP.Addr(),
		}
		if obs != nil {
			httpCfg.HealthChecker = obs.Health
			httpCfg.Tracer = tracer
			if obs.Metrics != nil {
				httpCfg.Metrics = obs.Metrics
				httpCfg.MetricsRegistry = obs.Metrics.Registry
				if cfg.Observability.Metrics != nil {
					httpCfg.MetricsPath = cfg.Observability.Metrics.Path
				}
			}
		}
		opsServer := httpapi.NewServer(httpCfg, manager, eng, logger)
		if store != nil {
			opsServer.WithHistory(store)
		}
		go func() {
			if err := opsServer.Start(ctx); err != nil {
				logger.Error("ops http server exited", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = opsServer.Stop(shutdownCtx)
		}()
	}

	mcpSrv := mcpserver.New(mcpserver.Deps{
		Manager:  manager,
		Executor: executor,
		Engine:   eng,
		Runner:   runner,
		Logger:   logger,
		Metrics:  metricsOrNil(obs),
		Version:  version,
	})

	// Tear down all sandboxes when the serve loop ends.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := manager.ReleaseAll(shutdownCtx); err != nil {
			logger.Warn("sandbox teardown incomplete", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("released sandboxes on shutdown", slog.Int("count", n))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpSrv.ServeStdio()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

func metricsOrNil(obs *observability.Observability) *observability.MetricsCollector {
	if obs == nil {
		return nil
	}
	return obs.Metrics
}
