package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"spool/internal/api"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOBID",
		Short: "Show the persisted record of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := client.Job(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return wrapAPIError(err)
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func printJob(cmd *cobra.Command, job *api.JobRecord) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	fmt.Fprintf(out, "Job:     %s\n", job.JobID)
	fmt.Fprintf(out, "Status:  %s\n", colorStatus(job.Status, colorize))
	if job.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", job.Message)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", job.Error)
	}
	if job.ExitCode != nil {
		fmt.Fprintf(out, "Exit:    %d\n", *job.ExitCode)
	}
	if job.Stats != nil {
		fmt.Fprintf(out, "Files:   %d total, %d succeeded, %d failed\n",
			job.Stats.Total, job.Stats.Succeeded, job.Stats.Failed)
	}
	if job.CreatedAt != "" {
		fmt.Fprintf(out, "Created: %s\n", job.CreatedAt)
	}
	if job.UpdatedAt != "" {
		fmt.Fprintf(out, "Updated: %s\n", job.UpdatedAt)
	}
	for i, rawURL := range job.URLs {
		if i == 0 {
			fmt.Fprintf(out, "URLs:    %s\n", rawURL)
			continue
		}
		fmt.Fprintf(out, "         %s\n", rawURL)
	}
}

func colorStatus(status string, colorize bool) string {
	if !colorize {
		return status
	}
	switch status {
	case "complete":
		return ansiGreen + status + ansiReset
	case "error":
		return ansiRed + status + ansiReset
	case "running":
		return ansiYellow + status + ansiReset
	default:
		return status
	}
}
