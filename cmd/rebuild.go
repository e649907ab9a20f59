package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRebuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the archive",
		Long: `Scans the archive for content files, reconciles the location table with what
is on disk and replays the manifests of runs the index does not know.

Creates the index if it is missing. Running it on a consistent index changes
nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}
			return withPassword(out, abus, func(password []byte) error {
				result, err := abus.Rebuild(cmd.Context(), password)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Content files: %d (%s)\n", result.ContentFiles, formatSize(result.ContentBytes))
				fmt.Fprintf(out, "Locations: %d inserted, %d deleted, %d updated\n",
					len(result.Locations.Inserted), len(result.Locations.Deleted), len(result.Locations.Updated))
				fmt.Fprintf(out, "Runs: %d replayed, %d removed\n", len(result.Replay.Added), len(result.Replay.Removed))
				for _, run := range result.Replay.Added {
					fmt.Fprintf(out, "  + %s (%d files)\n", run.Name, run.Entries)
				}
				for _, run := range result.Replay.Removed {
					fmt.Fprintf(out, "  - %s\n", run)
				}
				if n := len(result.Duplicates); n > 0 {
					fmt.Fprintf(out, "warning: %d duplicate content files ignored\n", n)
				}
				return nil
			})
		},
	}
}
