package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/planexec/planexec/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the HTTP gateway.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the planexec HTTP gateway",
		Long: `Start the HTTP gateway serving the run API:

  POST /api/runs                 start a run (stream with ?stream=1)
  GET  /api/runs/{id}/events     SSE event stream with history replay
  POST /api/runs/{id}/cancel     request cooperative cancellation
  GET  /api/runs/{id}/history    full recorded run log

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  planexec serve
  planexec serve --config /etc/planexec/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := configPath != ""
			return runServe(cmd.Context(), resolveConfigPath(configPath), explicit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildRunCmd creates the "run" command executing one objective in the
// foreground, printing events as JSON lines.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		contextKVs []string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run <objective>",
		Short: "Plan and execute one objective in the foreground",
		Args:  cobra.MinimumNArgs(1),
		Example: `  planexec run "echo hello, then tell me the current time"
  planexec run --ctx channelId=cli "fetch the weather"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := configPath != ""
			cfg, err := loadConfig(resolveConfigPath(configPath), explicit)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				rt.close(closeCtx)
			}()

			runCtx := map[string]any{models.CtxChannelID: "cli"}
			for _, kv := range contextKVs {
				key, value, found := strings.Cut(kv, "=")
				if !found {
					return fmt.Errorf("invalid --ctx entry %q, expected key=value", kv)
				}
				runCtx[key] = value
			}

			req := models.RunRequest{
				Objective: strings.Join(args, " "),
				Context:   runCtx,
			}
			sub, runID, err := rt.runner.PlanThenExecuteStream(cmd.Context(), req)
			if err != nil {
				return err
			}
			defer sub.Close()

			enc := json.NewEncoder(os.Stdout)
			for ev := range sub.Events() {
				if !quiet || ev.Type.IsTerminal() {
					if err := enc.Encode(ev); err != nil {
						return err
					}
				}
				if ev.Type.IsTerminal() {
					if ev.Type == models.EventSummary && ev.Summary != nil {
						fmt.Fprintln(os.Stderr, ev.Summary.Text)
					}
					return nil
				}
			}
			return fmt.Errorf("run %s ended without a terminal event", runID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringArrayVar(&contextKVs, "ctx", nil, "Run context entries as key=value (repeatable)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the terminal event")
	return cmd
}
