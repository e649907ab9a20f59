package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errVerifyFailed = errors.New("archive verification failed")

func newVerifyCmd(a *app) *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the archive against the index",
		Long: `Checks that every indexed content file exists, that every referenced digest has
a location and that every run manifest decrypts. With --deep every content file
is also decrypted and hashed.

Unreferenced content files are reported but are not errors; 'abus purge'
removes them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}
			return withPassword(out, abus, func(password []byte) error {
				result, err := abus.Verify(cmd.Context(), password, deep)
				if err != nil {
					return err
				}
				report := func(label string, items []string) {
					if len(items) == 0 {
						return
					}
					fmt.Fprintf(out, "%s (%d):\n", label, len(items))
					for _, item := range items {
						fmt.Fprintf(out, "  %s\n", item)
					}
				}
				report("Missing content", result.Missing)
				report("Corrupt content", result.Corrupt)
				report("Unreadable runs", result.BadRuns)
				report("Runs missing from the index (run 'abus rebuild')", result.Unindexed)
				report("Unreferenced content", result.Orphans)

				fmt.Fprintf(out, "Checked %d runs, %d locations", result.Runs, result.Locations)
				if deep {
					fmt.Fprintf(out, ", %d content files decrypted", result.Checked)
				}
				fmt.Fprintln(out)
				if !result.OK() {
					return errVerifyFailed
				}
				fmt.Fprintln(out, "✓ Archive is consistent")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "decrypt and hash every content file")
	return cmd
}
