package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newLsCmd(a *app) *cobra.Command {
	var run string
	var files bool
	cmd := &cobra.Command{
		Use:   "ls [path...]",
		Short: "List runs, or the files of a run",
		Long: `Without arguments lists every run, oldest first.

With --files, --run or paths, lists the files recorded in a run (the latest
unless --run is given). Does not require a password.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}

			if !files && run == "" && len(args) == 0 {
				runs, err := abus.ListRuns(cmd.Context())
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs yet")
					fmt.Fprintln(out, "Run 'abus backup' to create one")
					return nil
				}
				table := newTable(out, "Run", "Started", "Files", "Size", "Host")
				for _, r := range runs {
					table.Append([]string{
						r.Name, r.Started.Local().Format(time.DateTime), strconv.Itoa(r.Files), formatSize(r.Bytes), r.Host,
					})
				}
				table.Render()
				return nil
			}

			patterns, err := recordedPatterns(args)
			if err != nil {
				return err
			}
			name, entries, err := abus.ListFiles(cmd.Context(), run, patterns)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Files in run %s:\n", name)
			if len(entries) == 0 {
				fmt.Fprintln(out, "  (none)")
				return nil
			}
			table := newTable(out)
			for _, e := range entries {
				table.Append([]string{
					os.FileMode(e.Mode).String(), formatSize(e.Size), e.ModTime.Local().Format(time.DateTime), "/" + e.Path,
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "run to list (default: latest)")
	cmd.Flags().BoolVarP(&files, "files", "f", false, "list the files of the latest run")
	return cmd
}
