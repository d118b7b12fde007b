package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"spool/internal/api"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statusFilter []string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List submitted jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Jobs(cmd.Context(), statusFilter...)
			if err != nil {
				return wrapAPIError(err)
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobsTable(resp.Jobs))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statusFilter, "status", nil, "Filter by status (queued, running, complete, error)")
	return cmd
}

func renderJobsTable(jobs []api.JobRecord) string {
	headers := []string{"JOB ID", "STATUS", "URLS", "MESSAGE", "UPDATED"}
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.JobID,
			job.Status,
			fmt.Sprintf("%d", len(job.URLs)),
			jobSummary(job),
			job.UpdatedAt,
		})
	}
	return renderTable(headers, rows, []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft})
}

func jobSummary(job api.JobRecord) string {
	if job.Error != "" {
		return truncate(job.Error, 60)
	}
	return truncate(job.Message, 60)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
