// Package main provides the CLI entry point for the planexec runtime.
//
// planexec turns a user objective into a tool-call plan via an LLM
// planner, executes the plan as a dependency-aware DAG, and streams
// structured progress events while it runs.
//
// # Basic Usage
//
// Start the HTTP gateway:
//
//	planexec serve --config planexec.yaml
//
// Run a single objective from the terminal:
//
//	planexec run "echo hello, then tell me the time"
//
// # Environment Variables
//
//   - PLANEXEC_CONFIG: Path to configuration file (default: planexec.yaml)
//   - OPENAI_API_KEY: API key when llm.api_key is not set in config
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "planexec",
		Short: "planexec - LLM plan-and-execute runtime",
		Long: `planexec plans tool calls for an objective with an LLM, executes them
as a dependency-aware DAG with concurrency caps and cooldown requeue,
and streams structured progress events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the flag, environment, and default ordering.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PLANEXEC_CONFIG"); env != "" {
		return env
	}
	return "planexec.yaml"
}
