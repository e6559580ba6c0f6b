// Package subscribe implements the agentpay subscribe command.
package subscribe

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentpay/internal/interfaces/cli"
)

var opts cli.Options

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <user-id> <plan-id>",
		Short: "Subscribe a user to a payment plan",
		Args:  cobra.ExactArgs(2),
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

	sub, err := mgr.SubscribeUser(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "subscribed %s to %s (subscription %s)\n",
		sub.UserID(), sub.PlanID(), sub.ID())
	if end := sub.CurrentPeriodEnd(); end != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "current period ends %s\n", end.Format("2006-01-02"))
	}
	return nil
}
