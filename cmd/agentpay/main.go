package main

import (
	"os"

	"github.com/spf13/cobra"

	"agentpay/internal/interfaces/cli/plans"
	"agentpay/internal/interfaces/cli/setup"
	"agentpay/internal/interfaces/cli/status"
	"agentpay/internal/interfaces/cli/subscribe"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentpay",
		Short: "agentpay - monetization toolkit for AI agents",
		Long:  `agentpay manages payment plans, subscriptions, usage accounting, and on-chain USDT payment verification.`,
	}

	rootCmd.AddCommand(
		setup.NewCommand(),
		plans.NewCommand(),
		subscribe.NewCommand(),
		status.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
