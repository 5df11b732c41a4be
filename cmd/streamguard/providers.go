package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/streamguard/pkg/api"
	"github.com/rmax-ai/streamguard/pkg/provider"
)

func newProvidersCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List tracked providers and their rate-limit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := opts.client().Providers(cmd.Context())
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No providers tracked yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tREMAINING\tLIMIT\tRESET\tWAIT\tREASON")
			for _, s := range states {
				reset := "-"
				if !s.ResetAt.IsZero() {
					reset = s.ResetAt.Local().Format(time.TimeOnly)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
					s.Provider, s.RequestsRemaining, s.RequestsLimit, reset, time.Duration(s.WaitMs)*time.Millisecond, s.Reason)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <provider>",
		Short: "Forget everything known about a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().ResetProvider(cmd.Context(), provider.ProviderID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %s reset\n", args[0])
			return nil
		},
	})
	return cmd
}

func newWaitCmd(opts *globalOptions) *cobra.Command {
	var block bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <provider>",
		Short: "Show how long to wait before calling a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid := provider.ProviderID(args[0])
			c := opts.client()
			if !block {
				wt, err := c.WaitTime(cmd.Context(), pid)
				if err != nil {
					return err
				}
				printWait(cmd, wt)
				return nil
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := c.WaitForSlot(ctx, pid); err != nil {
				return fmt.Errorf("waiting for %s: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is ready\n", pid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&block, "block", false, "block until the provider is ready")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up blocking after this long")
	return cmd
}

func newRejectCmd(opts *globalOptions) *cobra.Command {
	var retryAfter time.Duration

	cmd := &cobra.Command{
		Use:   "reject <provider>",
		Short: "Report a 429 received while calling a provider directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retryAfter < 0 {
				return errors.New("--retry-after cannot be negative")
			}
			wt, err := opts.client().ReportRejection(cmd.Context(), provider.ProviderID(args[0]), retryAfter)
			if err != nil {
				return err
			}
			printWait(cmd, wt)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retryAfter, "retry-after", 0, "Retry-After reported by the provider")
	return cmd
}

func printWait(cmd *cobra.Command, wt api.WaitResponse) {
	if wt.Ready {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ready\n", wt.Provider)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: wait %s (%s)\n", wt.Provider, time.Duration(wt.WaitMs)*time.Millisecond, wt.Reason)
}
