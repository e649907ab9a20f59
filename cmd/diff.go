package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/core"
)

func newDiffCmd(a *app) *cobra.Command {
	var run, from, to string
	var runs bool
	cmd := &cobra.Command{
		Use:   "diff [path...]",
		Short: "Compare archived files with local files, or two runs",
		Long: `Without --runs shows a unified diff between the files of a run (the latest
unless --run is given) and the local files they were backed up from.

With --runs lists the paths added, removed and changed between two runs; --from
defaults to the run before --to, and --to to the latest run. Comparing runs does
not require a password.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}

			if runs {
				diff, err := abus.DiffRuns(cmd.Context(), from, to)
				if err != nil {
					return err
				}
				printRunDiff(out, diff)
				return nil
			}

			patterns, err := recordedPatterns(args)
			if err != nil {
				return err
			}
			return withPassword(out, abus, func(password []byte) error {
				diff, err := abus.DiffLocal(cmd.Context(), password, run, patterns)
				if err != nil {
					return err
				}
				if diff == "" {
					fmt.Fprintln(out, "No differences")
					return nil
				}
				fmt.Fprint(out, diff)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "run to compare local files with (default: latest)")
	cmd.Flags().BoolVar(&runs, "runs", false, "compare two runs instead of local files")
	cmd.Flags().StringVar(&from, "from", "", "older run for --runs")
	cmd.Flags().StringVar(&to, "to", "", "newer run for --runs")
	return cmd
}

func printRunDiff(out io.Writer, diff *core.RunDiff) {
	fmt.Fprintf(out, "Comparing %s -> %s\n", diff.From, diff.To)
	if len(diff.Added)+len(diff.Removed)+len(diff.Changed) == 0 {
		fmt.Fprintln(out, "No differences")
		return
	}
	for _, p := range diff.Added {
		fmt.Fprintf(out, "  + /%s\n", p)
	}
	for _, p := range diff.Removed {
		fmt.Fprintf(out, "  - /%s\n", p)
	}
	for _, p := range diff.Changed {
		fmt.Fprintf(out, "  M /%s\n", p)
	}
}
