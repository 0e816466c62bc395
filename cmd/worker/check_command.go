package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"content-pipeline/internal/artifact"
	"content-pipeline/internal/models"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check <kind>",
		Short: "Verify this host's artifacts of a kind and reset items whose files are gone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseArtifactKind(args[0])
			if err != nil {
				return err
			}
			res, err := ctx.open(cmd.Context())
			if err != nil {
				return err
			}
			defer res.Close()

			checker := artifact.NewChecker(res.store, res.pipe, res.locator, ctx.logger())
			summary, err := checker.Check(cmd.Context(), kind)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Kind", "Checked", "Valid", "Skipped", "Flagged", "Updated"},
				[][]string{{
					string(kind),
					strconv.Itoa(summary.Checked),
					strconv.Itoa(summary.Valid),
					strconv.Itoa(summary.Skipped),
					strconv.Itoa(summary.Flagged),
					strconv.Itoa(summary.Updated),
				}},
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}
