package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCompactCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the index database to reclaim disk space",
		Long:  "Rewrites the index without free pages. Useful after a large purge. Does not require a password.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}
			before, after, err := abus.Compact()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Compacted: %s -> %s\n", formatSize(before), formatSize(after))
			return nil
		},
	}
}
