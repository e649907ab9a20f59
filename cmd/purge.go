package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/core"
)

func newPurgeCmd(a *app) *cobra.Command {
	var opts core.PurgeOptions
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove old runs and unreferenced content",
		Long: `Removes runs outside the retention window, then every content file no
remaining run references. The newest run is never removed.

--keep and --older-than default to retention.keep_runs and retention.older_than
from the config file. With both set, a run must match both to be removed. Does
not require a password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}
			retention := abus.Config().Retention
			if !cmd.Flags().Changed("keep") {
				opts.KeepRuns = retention.KeepRuns
			}
			if !cmd.Flags().Changed("older-than") {
				opts.OlderThan = retention.OlderThan
			}

			result, err := abus.Purge(cmd.Context(), opts)
			if err != nil {
				return err
			}
			verb := "Removed"
			if result.DryRun {
				verb = "Would remove"
			}
			for _, run := range result.Runs {
				fmt.Fprintf(out, "  - %s\n", run)
			}
			fmt.Fprintf(out, "%s %d runs and %d content files (%s)\n",
				verb, len(result.Runs), result.Content, formatSize(result.Bytes))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.KeepRuns, "keep", 0, "keep this many of the newest runs")
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "remove runs started longer ago than this, e.g. 720h")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "report what would be removed")
	return cmd
}
