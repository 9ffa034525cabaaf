package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/pkg/dto"
)

func newJobCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show a job's status, counts and errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer b.close()

			job, err := b.jobs.Get(cmd.Context(), args[0])
			if errors.Is(err, jobs.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dto.NewJobResponse(job, !job.Status.Terminal()))
		},
	}
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset IN_PROGRESS jobs to PENDING",
		Long: `recover resets every IN_PROGRESS job to PENDING so the workers' store poll
picks it up again. Run it only while no worker is running: a live worker's
job would be taken a second time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer b.close()

			ids, err := b.jobs.RecoverUnfinished(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"recovered": ids})
		},
	}
}
