package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/domibies/dotbox/internal/engine"
	"github.com/domibies/dotbox/internal/sandbox"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove containers left behind by a previous run",
	RunE:  runCleanup,
}

// runCleanup removes every container labeled as dotbox-managed,
// running or not. Useful after a crash or a hard kill.
func runCleanup(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	eng, err := engine.New(ctx, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	registry := sandbox.NewRegistry(sandbox.DefaultMaxSandboxes)
	manager := sandbox.NewManager(eng, registry, sandbox.NewPortAllocator(), sandbox.ManagerConfig{}, logger)

	n, err := manager.CleanupOrphans(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d container(s)\n", n)
	return nil
}
