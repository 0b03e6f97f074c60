// Command steamctl runs the control plane daemon and provides thin HTTP
// client subcommands for operators.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via ldflags at build time: -ldflags "-X main.version=..."
var version = "v0.1-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiAddr, token string

	cmd := &cobra.Command{
		Use:           "steamctl",
		Short:         "Control plane for dispatching tasks to remote agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080",
		"base URL of a running control plane, for client subcommands")
	cmd.PersistentFlags().StringVar(&token, "token", os.Getenv("STEAMCTL_TOKEN"),
		"bearer token sent with client subcommand requests")

	client := func() *apiClient { return newAPIClient(apiAddr, token) }

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newJobsCmd(client))
	cmd.AddCommand(newAgentsCmd(client))
	return cmd
}
