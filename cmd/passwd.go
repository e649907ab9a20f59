package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/core"
	"github.com/illarion/abus/internal/crypto"
	"github.com/illarion/abus/internal/keyring"
)

func newPasswdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the archive password",
		Long: `Rewraps the archive master key with a new password. Content files and run
manifests are not rewritten. A password stored in the keyring is updated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			abus, err := a.open(out)
			if err != nil {
				return err
			}
			archiveID, err := abus.ArchiveID()
			if err != nil {
				return err
			}

			currentPassword, _, err := GetPassword("Enter current password: ", archiveID, abus.VerifyPassword)
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(currentPassword)
			if err := abus.VerifyPassword(currentPassword); err != nil {
				return err
			}

			if !core.IsTerminal() {
				return core.ErrPasswordRequired
			}
			newPassword, err := core.ReadNewPassword("new password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(newPassword)

			if err := abus.ChangePassword(currentPassword, newPassword); err != nil {
				return err
			}

			if keyring.HasPassword(archiveID) {
				if err := keyring.SavePassword(archiveID, string(newPassword)); err == nil {
					fmt.Fprintln(out, "Keyring updated with new password")
				}
			}
			fmt.Fprintln(out, "✓ Password changed")
			return nil
		},
	}
}
