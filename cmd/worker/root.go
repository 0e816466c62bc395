package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var stagesFlag string
	ctx := newCommandContext(&stagesFlag)

	rootCmd := &cobra.Command{
		Use:           "pipeline-worker",
		Short:         "Content pipeline stage worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&stagesFlag, "stages", "", "TOML file with per-stage settings (overrides PIPELINE_CONFIG)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newRegenerateCommand(ctx))
	rootCmd.AddCommand(newStagesCommand(ctx))
	return rootCmd
}
