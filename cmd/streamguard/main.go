package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/streamguard/pkg/client"
)

var version = "dev"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	apiURL string
	token  string
}

func (o *globalOptions) client() *client.Client {
	return client.NewClient(o.apiURL, client.WithToken(o.token))
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "streamguard",
		Short:         "streamguard: rate-limit aware queueing and stream recovery for AI providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api", envOr("STREAMGUARD_API", "http://127.0.0.1:8090"), "streamguard-d base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("STREAMGUARD_AUTH_TOKEN"), "API bearer token")

	root.AddCommand(
		newStatsCmd(opts),
		newProvidersCmd(opts),
		newWaitCmd(opts),
		newRejectCmd(opts),
		newEnqueueCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
