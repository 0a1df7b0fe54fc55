// Dotbox runs untrusted C#/.NET code in isolated Docker sandboxes,
// exposed to AI agents over the Model Context Protocol.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dotbox",
	Short: "Dotbox runs untrusted .NET code in isolated Docker sandboxes over MCP.",
	Long: `Dotbox is an MCP server that executes C#/.NET code in ephemeral,
hardened Docker containers. Agents get one-shot snippet execution plus
persistent per-project sandboxes with files, NuGet packages, background
processes, and port mappings. Idle sandboxes are reclaimed automatically.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, cleanupCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
