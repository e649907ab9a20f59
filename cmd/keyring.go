package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/illarion/abus/internal/core"
	"github.com/illarion/abus/internal/crypto"
	"github.com/illarion/abus/internal/keyring"
)

func newKeyringCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage the archive password in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Save the password to the OS keyring",
		Args:  cobra.NoArgs,
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

			password := core.GetPasswordFromEnv()
			if password == nil {
				if !core.IsTerminal() {
					return core.ErrPasswordRequired
				}
				if password, err = core.ReadPassword("Enter password: "); err != nil {
					return err
				}
			}
			defer crypto.ClearBytes(password)

			if err := abus.VerifyPassword(password); err != nil {
				return err
			}
			if err := keyring.SavePassword(archiveID, string(password)); err != nil {
				return fmt.Errorf("failed to save to keyring: %w", err)
			}
			fmt.Fprintln(out, "Password saved to keyring")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the password from the OS keyring",
		Args:  cobra.NoArgs,
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
			err = keyring.DeletePassword(archiveID)
			switch {
			case errors.Is(err, keyring.ErrNotFound):
				fmt.Fprintln(out, "No password stored in keyring")
			case err != nil:
				return err
			default:
				fmt.Fprintln(out, "Password removed from keyring")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether a password is stored",
		Args:  cobra.NoArgs,
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
			if keyring.HasPassword(archiveID) {
				fmt.Fprintln(out, "Password: stored in keyring")
			} else {
				fmt.Fprintln(out, "Password: not stored")
			}
			return nil
		},
	})
	return cmd
}
