package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show archive and index status",
		Long:  "Shows the archive format, run and content counts and the index state. Does not require a password.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}
			status, err := abus.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Archive:   %s\n", status.ArchiveRoot)
			fmt.Fprintf(out, "  id:          %s\n", status.ArchiveID)
			fmt.Fprintf(out, "  created:     %s\n", status.Format.Created.Local().Format(time.DateTime))
			fmt.Fprintf(out, "  encryption:  %s, %s, %s (%s iterations)\n",
				status.Format.Encryption, status.Format.Compression, status.Format.KDF, humanize.Comma(int64(status.Format.Iterations)))
			fmt.Fprintf(out, "  content:     %d files, %s\n", status.ContentFiles, formatSize(status.ContentBytes))
			fmt.Fprintf(out, "  runs:        %d, last %s\n", status.Runs, runLabel(status.LastRun))

			fmt.Fprintf(out, "Index:     %s\n", status.IndexPath)
			fmt.Fprintf(out, "  size:        %s\n", formatSize(status.IndexSize))
			fmt.Fprintf(out, "  locations:   %d\n", status.Locations)
			if !status.IndexModified.IsZero() {
				fmt.Fprintf(out, "  modified:    %s\n", humanize.Time(status.IndexModified))
			}
			if status.Locations != status.ContentFiles {
				fmt.Fprintln(out, "  warning:     location count differs from content on disk, run 'abus rebuild'")
			}

			if status.Keyring {
				fmt.Fprintln(out, "Password:  stored in keyring")
			} else {
				fmt.Fprintln(out, "Password:  not stored")
			}
			return nil
		},
	}
}
