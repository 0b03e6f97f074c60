package main

import "github.com/spf13/cobra"

func newAgentsCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agents connected to a running control plane",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connected agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client().do(cmd.Context(), "GET", "/v1/agents", nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	})
	return cmd
}
