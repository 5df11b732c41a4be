package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show request counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PENDING\tACTIVE\tCOMPLETED\tFAILED\tCANCELLED")
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", stats.Pending, stats.Active, stats.Completed, stats.Failed, stats.Cancelled)
			return w.Flush()
		},
	}
}
