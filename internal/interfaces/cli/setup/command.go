// Package setup implements the agentpay setup command: it wires the
// configured storage and provider and verifies both are healthy.
package setup

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agentpay/internal/interfaces/cli"
	"agentpay/internal/shared/logger"
	"agentpay/internal/storage"
)

var opts cli.Options

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize and verify the configured backends",
		Long:  `Open the configured storage backend and payment provider, run their health checks, and report the result.`,
		RunE:  run,
	}
	cli.BindFlags(cmd, &opts)
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mgr, closer, err := cli.BuildManager(ctx, opts)
	if err != nil {
		return err
	}
	defer closer()

	report := storage.CheckHealth(ctx, mgr.Storage(), logger.NewLogger())
	if !report.Healthy {
		return fmt.Errorf("storage health check failed: %w", report.Err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "storage: ok (%s backend, %s)\n", opts.Storage, report.Latency.Round(time.Millisecond))

	prov := mgr.Provider()
	if err := prov.HealthCheck(ctx); err != nil {
		return fmt.Errorf("provider health check failed: %w", err)
	}
	caps := prov.Capabilities()
	fmt.Fprintf(cmd.OutOrStdout(), "provider: ok (%s, currencies %v)\n", prov.Name(), caps.SupportedCurrencies)
	return nil
}
