package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}

	var output, archiveRoot string
	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Write a commented config file",
		Long: `Writes a config file with every setting and its default. Without --output the
file goes to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			cfg.ArchiveRoot = archiveRoot
			if output == "" {
				return config.Generate(cmd.OutOrStdout(), cfg)
			}

			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", output)
				}
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if err := config.Generate(f, cfg); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", output)
			return nil
		},
	}
	generate.Flags().StringVarP(&output, "output", "o", "", "file to write (default: stdout)")
	generate.Flags().StringVar(&archiveRoot, "archive-root", "", "archive_root to put in the file")
	generate.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return cfg.Show(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(generate, show)
	return cmd
}
