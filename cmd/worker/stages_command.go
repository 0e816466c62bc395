package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newStagesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List pipeline stages and their gating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pipe, err := ctx.pipeline()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(pipe.Stages()))
			for _, st := range pipe.Stages() {
				ceiling := "-"
				if st.Gated() {
					ceiling = strconv.Itoa(st.Ceiling)
				}
				rows = append(rows, []string{
					st.Name,
					st.CompletionFlag,
					strings.Join(st.InputFlags, ","),
					st.InputQueue,
					ceiling,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Stage", "Flag", "Requires", "Input queue", "Ceiling"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}
