package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/crypto"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new archive at archive_root",
		Long: `Creates archive.json, the runs/ and content/ directories and the index.

Prompts for the password that protects the archive master key. The password is
not stored anywhere unless you save it to the OS keyring.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}

			password, source, err := GetPasswordForInit()
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(password)

			archiveID, err := abus.Init(password)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized archive %s in %s\n", archiveID, abus.Config().ArchiveRoot)

			if source == SourcePrompt {
				OfferToSavePassword(out, archiveID, password)
			}
			return nil
		},
	}
}
