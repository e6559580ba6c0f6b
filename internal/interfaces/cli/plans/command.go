// Package plans implements the agentpay plans command.
package plans

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentpay/internal/interfaces/cli"
)

var opts cli.Options

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List the stored payment plans",
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

	plans, err := mgr.ListPaymentPlans(ctx)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no plans stored")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tPRICE\tACTIVE\tFEATURES")
	for _, p := range plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%t\t%s\n",
			p.ID(), p.Name(), p.PaymentType(), p.Price().String(), p.Currency(),
			p.IsActive(), strings.Join(p.Features(), ","))
	}
	return w.Flush()
}
