package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/core"
)

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <path>",
		Short: "Show every run that contains a file",
		Long: `Lists the runs that recorded path, oldest first, marking the runs in which its
content changed. Does not require a password.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}
			recorded, err := core.RecordedPath(args[0])
			if err != nil {
				return err
			}
			versions, err := abus.History(cmd.Context(), recorded)
			if err != nil {
				return err
			}

			table := newTable(out, "Run", "Modified", "Size", "Digest", "")
			for _, v := range versions {
				mark := ""
				if v.Changed {
					mark = "changed"
				}
				table.Append([]string{
					v.Run, v.Entry.ModTime.Local().Format(time.DateTime), formatSize(v.Entry.Size), v.Entry.Digest[:12], mark,
				})
			}
			table.Render()
			return nil
		},
	}
}
