// Package keyring stores archive passwords in the OS keyring, keyed by archive id.
package keyring

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const serviceName = "abus"

// ErrNotFound is returned when no password is stored for an archive
var ErrNotFound = errors.New("no password stored in keyring")

// SavePassword stores a password in the OS keyring
func SavePassword(archiveID string, password string) error {
	return keyring.Set(serviceName, archiveID, password)
}

// GetPassword retrieves a password from the OS keyring
func GetPassword(archiveID string) (string, error) {
	password, err := keyring.Get(serviceName, archiveID)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return password, err
}

// DeletePassword removes a password from the OS keyring
func DeletePassword(archiveID string) error {
	err := keyring.Delete(serviceName, archiveID)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// HasPassword checks if a password is stored in the keyring
func HasPassword(archiveID string) bool {
	_, err := keyring.Get(serviceName, archiveID)
	return err == nil
}
