package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"spool/internal/stream"
)

func newResolveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve JOBID PROMPTID CHOICE",
		Short: "Answer a duplicate-file prompt without watching the job",
		Long: `Answer a duplicate-file prompt without watching the job.

CHOICE is one of overwrite, overwrite_all, skip, skip_all, rename,
rename_all, or cancel. The *_all variants also cover every later
collision in the same job.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			promptID := strings.TrimSpace(args[1])
			choice, err := stream.ParseChoice(args[2])
			if err != nil {
				return err
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			err = client.Resolve(cmd.Context(), jobID, promptID, choice)
			if errors.Is(err, stream.ErrStalePrompt) {
				fmt.Fprintln(cmd.OutOrStdout(), "Prompt already resolved")
				return nil
			}
			if err != nil {
				return wrapAPIError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s as %s\n", promptID, choice)
			return nil
		},
	}
}
