package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/illarion/abus/internal/config"
	"github.com/illarion/abus/internal/core"
	"github.com/illarion/abus/internal/logging"
)

// app carries the persistent flags and the logger shared by all subcommands
type app struct {
	configPath string
	logLevel   string
	log        *zap.Logger
}

// loadConfig reads the configuration and applies --log-level
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	return cfg, nil
}

// open builds an Abus for the effective configuration. User-facing progress
// goes to out.
func (a *app) open(out io.Writer) (*core.Abus, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if a.log == nil {
		if a.log, err = logging.New(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return core.New(cfg, core.WithLogger(a.log), core.WithOutput(out))
}

func (a *app) sync() {
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// NewRootCommand assembles the abus command tree
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "abus",
		Short: "Encrypted, content-addressed backups with a rebuildable index",
		Long: `abus backs up files into an encrypted archive of deduplicated content files.

Each backup run writes an encrypted manifest next to the content, so the index
database is only a cache: 'abus rebuild' recreates it from the archive alone.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error or none")

	root.AddCommand(
		newInitCmd(a),
		newBackupCmd(a),
		newRestoreCmd(a),
		newLsCmd(a),
		newHistoryCmd(a),
		newDiffCmd(a),
		newRebuildCmd(a),
		newVerifyCmd(a),
		newPurgeCmd(a),
		newStatusCmd(a),
		newPasswdCmd(a),
		newKeyringCmd(a),
		newCompactCmd(a),
		newConfigCmd(a),
		newCompletionCmd(),
	)
	return root
}

// Execute runs the command line, flushes the log and returns the process
// exit code.
func Execute(ctx context.Context) int {
	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)
	a.sync()
	return HandleError(os.Stderr, err)
}
