package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/core"
)

func newBackupCmd(a *app) *cobra.Command {
	var opts core.BackupOptions
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the configured include paths into a new run",
		Long: `Walks every include path, skipping exclude matches, symlinks and special files.

Files whose size and modification time match the previous run keep their digest
without being read again. Content already in the archive is never stored twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}

			return withPassword(out, abus, func(password []byte) error {
				result, err := abus.Backup(cmd.Context(), password, opts)
				if err != nil {
					return err
				}
				for _, skipped := range result.Skipped {
					fmt.Fprintf(os.Stderr, "warning: skipped %s\n", skipped)
				}

				if result.DryRun {
					fmt.Fprintf(out, "dry run: %d files, %d new content files (%s)\n",
						result.Files, result.Stored, formatSize(result.BytesStored))
					return nil
				}
				fmt.Fprintf(out, "✓ Run %s: %d files, %d new content files (%s stored), %d unchanged\n",
					result.Run, result.Files, result.Stored, formatSize(result.BytesStored), result.Reused)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "report what would be stored without writing")
	cmd.Flags().BoolVar(&opts.Rehash, "rehash", false, "hash every file even if size and mtime are unchanged")
	return cmd
}
