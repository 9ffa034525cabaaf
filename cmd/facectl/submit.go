package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/pkg/dto"
)

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job and enqueue it",
	}
	cmd.AddCommand(newSubmitPhotoCmd(opts), newSubmitSelfieCmd(opts), newSubmitDeleteCmd(opts))
	return cmd
}

func newSubmitPhotoCmd(opts *rootOptions) *cobra.Command {
	var eventID, photoID, ownerID int64
	var key string
	cmd := &cobra.Command{
		Use:   "photo",
		Short: "Match the faces of an uploaded photo",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer b.close()
			job, err := b.submitter.SubmitPhoto(cmd.Context(), eventID, photoID, ownerID, key)
			return printSubmitted(cmd, job, err)
		},
	}
	cmd.Flags().Int64Var(&eventID, "event", 0, "event id")
	cmd.Flags().Int64Var(&photoID, "photo", 0, "photo id")
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "uploading user id")
	cmd.Flags().StringVar(&key, "key", "", "blob key of the photo")
	for _, f := range []string{"event", "photo", "key"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newSubmitSelfieCmd(opts *rootOptions) *cobra.Command {
	var eventID, userID int64
	var key string
	cmd := &cobra.Command{
		Use:   "selfie",
		Short: "Re-index a participant's selfie and add matches",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer b.close()
			job, err := b.submitter.SubmitSelfie(cmd.Context(), eventID, userID, key)
			return printSubmitted(cmd, job, err)
		},
	}
	cmd.Flags().Int64Var(&eventID, "event", 0, "event id")
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&key, "key", "", "blob key of the selfie")
	for _, f := range []string{"event", "user", "key"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newSubmitDeleteCmd(opts *rootOptions) *cobra.Command {
	var ownerID int64
	var photoIDs []int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete photos with their faces, matches and blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range photoIDs {
				if id <= 0 {
					return fmt.Errorf("invalid photo id %d", id)
				}
			}
			b, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer b.close()
			job, err := b.submitter.SubmitDeletion(cmd.Context(), ownerID, photoIDs)
			return printSubmitted(cmd, job, err)
		},
	}
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "requesting user id")
	cmd.Flags().Int64SliceVar(&photoIDs, "photos", nil, "comma-separated photo ids")
	_ = cmd.MarkFlagRequired("photos")
	return cmd
}

// printSubmitted prints the stored job. A job that was stored but not
// enqueued is reported on stderr and is not a failure.
func printSubmitted(cmd *cobra.Command, job *models.Job, err error) error {
	if job == nil {
		return err
	}
	queued := err == nil && !job.Status.Terminal()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return printJSON(cmd.OutOrStdout(), dto.NewJobResponse(job, queued))
}
