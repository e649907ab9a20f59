package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/core"
	"github.com/illarion/abus/internal/manifest"
)

var atLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseAt parses the --at flag. Times without a zone are local; a run name
// is accepted as well.
func parseAt(s string) (time.Time, error) {
	if t, err := manifest.ParseRunName(s); err == nil {
		return t, nil
	}
	for _, layout := range atLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q, use RFC 3339 or YYYY-MM-DD [HH:MM[:SS]]", s)
}

func newRestoreCmd(a *app) *cobra.Command {
	var (
		opts                                core.RestoreOptions
		at                                  string
		force, keepLocal, keepBoth, abortOn bool
	)
	cmd := &cobra.Command{
		Use:   "restore [path...]",
		Short: "Restore files from a run",
		Long: `Restores the files of a run under --target, recreating their recorded absolute
paths below it. Without paths every file of the run is restored.

Paths may be files, directories or globs over recorded paths. Unchanged local
files are skipped; for files that differ you are asked what to do:
` + core.ConflictHelp(),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case force:
				opts.Strategy = core.StrategyOverwrite
			case keepLocal:
				opts.Strategy = core.StrategyKeepLocal
			case keepBoth:
				opts.Strategy = core.StrategyKeepBoth
			case abortOn:
				opts.Strategy = core.StrategyAbort
			case !core.IsTerminal():
				opts.Strategy = core.StrategyAbort
			default:
				opts.Strategy = core.StrategyAsk
			}
			if at != "" {
				t, err := parseAt(at)
				if err != nil {
					return err
				}
				opts.At = t
			}
			patterns, err := recordedPatterns(args)
			if err != nil {
				return err
			}
			opts.Patterns = patterns

			abus, err := a.open(out)
			if err != nil {
				return err
			}
			return withPassword(out, abus, func(password []byte) error {
				result, err := abus.Restore(cmd.Context(), password, opts)
				if result != nil {
					fmt.Fprintf(out, "\nrun %s: restored %d, skipped %d", result.Run, len(result.Restored), len(result.Skipped))
					if len(result.Errors) > 0 {
						fmt.Fprintf(out, ", %d errors", len(result.Errors))
					}
					fmt.Fprintln(out)
				}
				if err != nil {
					return err
				}
				if len(result.Errors) > 0 {
					return fmt.Errorf("%d files could not be restored", len(result.Errors))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Run, "run", "", "run to restore (default: latest)")
	cmd.Flags().StringVar(&at, "at", "", "restore the latest run started at or before this time")
	cmd.Flags().StringVarP(&opts.Target, "target", "t", ".", "directory to restore under")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite local files without asking")
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep local versions of conflicting files")
	cmd.Flags().BoolVar(&keepBoth, "keep-both", false, "keep both versions (save archived as .from-archive)")
	cmd.Flags().BoolVar(&abortOn, "abort", false, "stop at the first conflicting file")
	cmd.MarkFlagsMutuallyExclusive("force", "keep-local", "keep-both", "abort")
	cmd.MarkFlagsMutuallyExclusive("run", "at")
	return cmd
}
