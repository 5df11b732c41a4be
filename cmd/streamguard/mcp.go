package main

import (
	"github.com/spf13/cobra"

	"github.com/rmax-ai/streamguard/pkg/client"
	"github.com/rmax-ai/streamguard/pkg/mcp"
)

func newMCPCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the daemon to MCP clients over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcp.NewServer(opts.apiURL, client.WithToken(opts.token)).Serve()
		},
	}
}
