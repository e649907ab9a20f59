package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/illarion/abus/internal/config"
	"github.com/illarion/abus/internal/core"
	"github.com/illarion/abus/internal/crypto"
	"github.com/illarion/abus/internal/index"
	"github.com/illarion/abus/internal/keyring"
)

// PasswordSource tells where a password came from
type PasswordSource int

const (
	SourceEnv PasswordSource = iota
	SourceKeyring
	SourcePrompt
)

// GetPassword returns the archive password from ABUS_PASSWORD, the OS
// keyring or the terminal, in that order. A keyring entry that verify rejects
// is ignored. The caller clears the returned password.
func GetPassword(prompt, archiveID string, verify func([]byte) error) ([]byte, PasswordSource, error) {
	if password := core.GetPasswordFromEnv(); password != nil {
		return password, SourceEnv, nil
	}

	if archiveID != "" {
		if stored, err := keyring.GetPassword(archiveID); err == nil {
			password := []byte(stored)
			if verify == nil {
				return password, SourceKeyring, nil
			}
			err := verify(password)
			if err == nil {
				return password, SourceKeyring, nil
			}
			crypto.ClearBytes(password)
			if !errors.Is(err, core.ErrWrongPassword) {
				return nil, SourceKeyring, err
			}
			fmt.Fprintln(os.Stderr, "warning: password in keyring is out of date, run 'abus keyring save'")
		}
	}

	if !core.IsTerminal() {
		return nil, SourcePrompt, core.ErrPasswordRequired
	}
	password, err := core.ReadPassword(prompt)
	if err != nil {
		return nil, SourcePrompt, err
	}
	return password, SourcePrompt, nil
}

// GetPasswordForInit reads a new password from ABUS_PASSWORD or asks twice
func GetPasswordForInit() ([]byte, PasswordSource, error) {
	if password := core.GetPasswordFromEnv(); password != nil {
		return password, SourceEnv, nil
	}
	if !core.IsTerminal() {
		return nil, SourcePrompt, core.ErrPasswordRequired
	}
	password, err := core.ReadNewPassword("archive password: ")
	return password, SourcePrompt, err
}

// unlockPassword resolves the password for an archive operation
func unlockPassword(abus *core.Abus) ([]byte, PasswordSource, error) {
	archiveID, err := abus.ArchiveID()
	if err != nil {
		return nil, SourcePrompt, err
	}
	return GetPassword("Enter password: ", archiveID, abus.VerifyPassword)
}

// OfferToSavePassword asks whether a typed password should go to the keyring
func OfferToSavePassword(out io.Writer, archiveID string, password []byte) {
	if archiveID == "" || !core.IsTerminal() || keyring.HasPassword(archiveID) {
		return
	}
	fmt.Fprint(out, "Save password to the OS keyring? [y/N] ")
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer != "y" && answer != "yes" {
		return
	}
	if err := keyring.SavePassword(archiveID, string(password)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to save to keyring: %s\n", err)
		return
	}
	fmt.Fprintln(out, "Password saved to keyring")
}

// withPassword runs fn with the archive password and offers to store a typed
// password once fn succeeded.
func withPassword(out io.Writer, abus *core.Abus, fn func(password []byte) error) error {
	password, source, err := unlockPassword(abus)
	if err != nil {
		return err
	}
	defer crypto.ClearBytes(password)

	if err := fn(password); err != nil {
		return err
	}
	if source == SourcePrompt {
		if archiveID, err := abus.ArchiveID(); err == nil {
			OfferToSavePassword(out, archiveID, password)
		}
	}
	return nil
}

// recordedPatterns turns command line paths into manifest patterns. Globs are
// passed through; plain paths are made absolute against the working directory.
func recordedPatterns(args []string) ([]string, error) {
	patterns := make([]string, 0, len(args))
	for _, arg := range args {
		if strings.ContainsAny(arg, "*?[") {
			patterns = append(patterns, filepath.ToSlash(arg))
			continue
		}
		p, err := core.RecordedPath(arg)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func formatSize(size int64) string {
	if size < 0 {
		size = 0
	}
	return humanize.Bytes(uint64(size))
}

// newTable returns a borderless, left aligned table writing to out
func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetRowSeparator("")
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func runLabel(info *index.RunInfo) string {
	if info == nil {
		return "none"
	}
	return fmt.Sprintf("%s (%s)", info.Name, humanize.Time(info.Started))
}

// HandleError prints err with a hint for known failures to w and returns the
// exit code: 0 for a nil error, 1 otherwise.
func HandleError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(w, "Error: interrupted")
	case errors.Is(err, core.ErrNotInitialized):
		fmt.Fprintln(w, "Error: archive not initialized")
		fmt.Fprintln(w, "Run 'abus init' first")
	case errors.Is(err, core.ErrAlreadyExists):
		fmt.Fprintln(w, "Error: an archive already exists at archive_root")
		fmt.Fprintln(w, "Use 'abus status' to see its state")
	case errors.Is(err, core.ErrWrongPassword):
		fmt.Fprintln(w, "Error: wrong password")
	case errors.Is(err, core.ErrPasswordRequired):
		fmt.Fprintln(w, "Error: password required")
		fmt.Fprintf(w, "Set %s, store it with 'abus keyring save' or run from a terminal\n", core.PasswordEnv)
	case errors.Is(err, core.ErrIndexStale):
		fmt.Fprintf(w, "Error: %s\n", err)
	case errors.Is(err, core.ErrNoSources):
		fmt.Fprintln(w, "Error: no include paths configured")
		fmt.Fprintln(w, "Add paths under 'include' in the config file")
	case errors.Is(err, index.ErrBusy):
		fmt.Fprintln(w, "Error: index is in use by another abus process")
	case errors.Is(err, config.ErrInvalid):
		fmt.Fprintf(w, "Error: %s\n", err)
		fmt.Fprintln(w, "Use 'abus config generate' to create a config file")
	default:
		fmt.Fprintf(w, "Error: %s\n", err)
	}
	return 1
}
