package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: `Serve accepts task submissions over NATS request/reply and exposes
Prometheus metrics. Requires nats.url in the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, logger)
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer app.Shutdown(10 * time.Second)

			if cfg.Workflows.Watch && *configPath != "" {
				if err := app.WatchConfig(ctx, *configPath); err != nil {
					logger.Warn("Config watch disabled", "error", err)
				}
			}

			logger.Info("Modelmesh ready",
				"version", Version,
				"providers", len(cfg.Providers))

			return app.Serve(ctx)
		},
	}
}
