package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newJobsCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit, list, inspect, and cancel jobs on a running control plane",
	}
	cmd.AddCommand(newJobsSubmitCmd(client))
	cmd.AddCommand(newJobsListCmd(client))
	cmd.AddCommand(newJobsGetCmd(client))
	cmd.AddCommand(newJobsCancelCmd(client))
	return cmd
}

func newJobsSubmitCmd(client func() *apiClient) *cobra.Command {
	var region string
	var targets []string

	cmd := &cobra.Command{
		Use:   "submit <action>",
		Short: "Create a job and fan it out to one task per target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(targets) == 0 {
				return fmt.Errorf("at least one --target is required")
			}
			body, err := client().do(cmd.Context(), "POST", "/v1/jobs", map[string]any{
				"action":  args[0],
				"region":  region,
				"targets": targets,
			})
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "region to dispatch tasks in")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "target to run the action against (repeatable)")
	return cmd
}

func newJobsListCmd(client func() *apiClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/jobs"
			if limit > 0 {
				path += fmt.Sprintf("?limit=%d", limit)
			}
			body, err := client().do(cmd.Context(), "GET", path, nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs to return")
	return cmd
}

func newJobsGetCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client().do(cmd.Context(), "GET", "/v1/jobs/"+args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
}

func newJobsCancelCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client().do(cmd.Context(), "POST", "/v1/jobs/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
}

