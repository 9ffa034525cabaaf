package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/your-org/eventfaces/pkg/dto"
)

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <event-id>",
		Short: "Delete faces of departed users and deleted photos from an event's collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || eventID <= 0 {
				return fmt.Errorf("invalid event id %q", args[0])
			}

			b, err := opts.open(cmd, true)
			if err != nil {
				return err
			}
			defer b.close()

			n, err := b.purge(cmd.Context(), eventID)
			if err != nil {
				return fmt.Errorf("purge event %d: %w", eventID, err)
			}
			return printJSON(cmd.OutOrStdout(), dto.PurgeResponse{EventID: eventID, Purged: n})
		},
	}
}
