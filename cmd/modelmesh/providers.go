package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/c360studio/modelmesh/config"
	"github.com/c360studio/modelmesh/provider"
)

// daemonTimeout bounds CLI request/reply calls to a serving daemon.
const daemonTimeout = 2 * time.Second

func providersCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers and their live health",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			statuses, err := queryProviderStatus(cfg)
			if err != nil {
				logger.Debug("No serving daemon reachable, showing static configuration",
					"error", err)
				return printDescriptors(cfg.Providers)
			}
			return printStatuses(statuses)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate provider configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}
			if len(cfg.Providers) == 0 {
				return fmt.Errorf("no providers configured")
			}
			fmt.Printf("✓ %d provider(s) valid\n", len(cfg.Providers))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <provider>",
		Short: "Clear a provider's health record on the serving daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)

			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return fmt.Errorf("reset requires a serving daemon (set nats.url)")
			}

			conn, err := nats.Connect(cfg.NATS.URL, nats.Timeout(daemonTimeout))
			if err != nil {
				return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
			}
			defer conn.Close()

			msg, err := conn.Request(resetSubject, []byte(args[0]), daemonTimeout)
			if err != nil {
				return fmt.Errorf("reset %s: %w", args[0], err)
			}
			fmt.Println(string(msg.Data))
			return nil
		},
	})

	return cmd
}

// queryProviderStatus asks a running serve instance for live provider
// status over NATS request/reply.
func queryProviderStatus(cfg *config.Config) ([]providerStatus, error) {
	if cfg.NATS.URL == "" {
		return nil, fmt.Errorf("no NATS url configured")
	}

	conn, err := nats.Connect(cfg.NATS.URL, nats.Timeout(daemonTimeout))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg, err := conn.Request(providersSubject, nil, daemonTimeout)
	if err != nil {
		return nil, err
	}

	var statuses []providerStatus
	if err := json.Unmarshal(msg.Data, &statuses); err != nil {
		return nil, fmt.Errorf("malformed status reply: %w", err)
	}
	return statuses, nil
}

// printStatuses renders the live daemon view.
func printStatuses(statuses []providerStatus) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tKIND\tCOST\tHEALTH\tFAILURES\tWINDOW")
	for _, s := range statuses {
		window := "-"
		if s.RateLimit > 0 {
			window = fmt.Sprintf("%d/%d", s.RequestsInWindow, s.RateLimit)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%s\t%d\t%s\n",
			s.Provider, s.Model, s.Kind, s.CostPerUnit,
			s.Health, s.ConsecutiveFailures, window)
	}
	return w.Flush()
}

// printDescriptors renders the static configuration when no daemon is
// reachable.
func printDescriptors(descriptors []provider.Descriptor) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tKIND\tADAPTER\tCOST\tCONTEXT\tCAPABILITIES")
	for _, d := range descriptors {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%d\t%v\n",
			d.ProviderID, d.ModelID, d.Kind, d.Adapter,
			d.CostPerUnit, d.MaxContextSize, d.Capabilities)
	}
	return w.Flush()
}
