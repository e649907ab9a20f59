package core

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/illarion/abus/internal/crypto"
)

// PasswordEnv names the environment variable checked before the keyring and the prompt
const PasswordEnv = "ABUS_PASSWORD"

var (
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrEmptyPassword    = errors.New("password must not be empty")
)

// ReadPassword prompts on stderr and reads a password from the terminal
// without echo.
func ReadPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// ReadNewPassword asks for a password twice. An empty answer or two different
// answers are rejected.
func ReadNewPassword(prompt string) ([]byte, error) {
	first, err := ReadPassword(prompt)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, ErrEmptyPassword
	}
	second, err := ReadPassword("Repeat " + prompt)
	if err != nil {
		crypto.ClearBytes(first)
		return nil, err
	}
	defer crypto.ClearBytes(second)

	if !crypto.ConstantTimeCompare(first, second) {
		crypto.ClearBytes(first)
		return nil, ErrPasswordMismatch
	}
	return first, nil
}

// GetPasswordFromEnv returns a copy of $ABUS_PASSWORD, or nil when unset.
// The copy may be cleared by the caller.
func GetPasswordFromEnv() []byte {
	if password := os.Getenv(PasswordEnv); password != "" {
		return []byte(password)
	}
	return nil
}

// IsTerminal reports whether stdin is an interactive terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
