// Package status implements the agentpay status command.
package status

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentpay/internal/interfaces/cli"
)

var opts cli.Options

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show a user's subscription and usage",
		Args:  cobra.ExactArgs(1),
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

	userID := args[0]
	out := cmd.OutOrStdout()

	sub, err := mgr.GetUserSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		fmt.Fprintf(out, "%s has no active subscription\n", userID)
	} else {
		fmt.Fprintf(out, "subscription %s: plan %s, status %s, usage %d\n",
			sub.ID(), sub.PlanID(), sub.Status(), sub.UsageCount())
		if end := sub.CurrentPeriodEnd(); end != nil {
			fmt.Fprintf(out, "current period ends %s\n", end.Format("2006-01-02"))
		}
	}

	usage, err := mgr.GetUserUsage(ctx, userID, nil, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "usage records: %d\n", len(usage))
	return nil
}
