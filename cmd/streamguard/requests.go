package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/streamguard/pkg/api"
	"github.com/rmax-ai/streamguard/pkg/queue"
)

func newEnqueueCmd(opts *globalOptions) *cobra.Command {
	var (
		id          string
		priority    string
		payload     string
		payloadFile string
		timeout     time.Duration
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue <provider>",
		Short: "Queue a streaming request for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.EnqueueRequest{
				ID:       id,
				Provider: args[0],
				Priority: priority,
				Wait:     wait,
			}
			if timeout > 0 {
				req.Timeout = timeout.String()
			}

			raw := payload
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				raw = string(data)
			}
			if raw != "" {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(raw)
			}

			resp, err := opts.client().Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			printRequest(cmd, resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "request ID (generated when empty)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal or high")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload passed to the provider")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "read the JSON payload from a file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "block until the request finishes and print its output")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show one request, or list requests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			if len(args) == 1 {
				resp, err := c.Request(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRequest(cmd, resp)
				return nil
			}

			list, err := c.Requests(cmd.Context(), queue.Status(status))
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No requests found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tPRIORITY\tSTATUS\tATTEMPTS\tENQUEUED")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Provider, s.Priority, s.Status, s.Attempts, s.EnqueuedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter the list by status")
	return cmd
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or active request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRequest(cmd, resp)
			return nil
		},
	}
}

func printRequest(cmd *cobra.Command, r api.RequestResponse) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Request:  %s\n", r.ID)
	fmt.Fprintf(out, "Provider: %s\n", r.Provider)
	fmt.Fprintf(out, "Priority: %s\n", r.Priority)
	fmt.Fprintf(out, "Status:   %s\n", r.Status)
	fmt.Fprintf(out, "Attempts: %d\n", r.Attempts)
	if r.AbortReason != "" {
		fmt.Fprintf(out, "Aborted:  %s\n", r.AbortReason)
	}
	if r.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", r.Error)
	}
	if r.Output != "" {
		fmt.Fprintf(out, "\n%s\n", r.Output)
	}
}
