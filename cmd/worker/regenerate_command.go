package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"content-pipeline/internal/worker"
)

func newRegenerateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <content_id>",
		Short: "Archive an item's output and send it back through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid content id %q", args[0])
			}
			res, err := ctx.open(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Close()

			item, err := worker.Regenerate(cmd.Context(), res.store, id, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "content %d reset (%d archived versions)\n", item.ID, len(item.Archive))
			return nil
		},
	}
}
