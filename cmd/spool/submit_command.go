package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"spool/internal/api"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var dirFlag string
	var watchFlag bool

	cmd := &cobra.Command{
		Use:   "submit URL...",
		Short: "Submit a batch of source URLs as one download job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Submit(cmd.Context(), api.SubmitRequest{
				URLs:    args,
				Options: api.SubmitOptions{Dir: dirFlag},
			})
			if err != nil {
				return wrapAPIError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			fmt.Fprintf(cmd.OutOrStdout(), "watch it with: spool watch %s\n", resp.JobID)
			if watchFlag {
				return watchJob(cmd, ctx, client, resp.JobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "dir", "", "Destination directory (defaults to the configured library)")
	cmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Watch the job after submitting")
	return cmd
}
