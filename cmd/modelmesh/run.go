package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/modelmesh/task"
)

func runCmd(configPath, logLevel *string) *cobra.Command {
	var (
		category string
		graphID  string
		maxCost  float64
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [payload]",
		Short: "Run one task and print the result",
		Long: `Run submits a single task to the in-process orchestrator, waits for
the run to finish, and prints the result as JSON. Reads the payload
from the argument, or from stdin when the argument is "-".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			payload := args[0]
			if payload == "-" {
				data, err := os.ReadFile("/dev/stdin")
				if err != nil {
					return fmt.Errorf("read payload from stdin: %w", err)
				}
				payload = string(data)
			}

			cat := task.ParseCategory(category)
			if cat == "" {
				return fmt.Errorf("unknown category %q", category)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			app := NewApp(cfg, logger)
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Shutdown(5 * time.Second)

			t := task.New(cat, payload,
				task.WithConstraints(task.Constraints{MaxCostPerUnit: maxCost}))

			result, submitErr := app.Submit(ctx, t, graphID)
			if result == nil {
				return submitErr
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return submitErr
		},
	}

	cmd.Flags().StringVar(&category, "category", "generation", "Task category (generation, bug_detection, analysis, documentation, refactor)")
	cmd.Flags().StringVar(&graphID, "graph", "", "Workflow graph id (empty = category default)")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "Cost ceiling per unit (0 = no ceiling)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall run timeout (0 = none)")

	return cmd
}
