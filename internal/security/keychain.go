// Package security keeps IRC server passwords in the OS keychain instead of
// the configuration file.
package security

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeychainService is the keychain service all server passwords live under
const KeychainService = "ircbot"

var (
	// ErrNoServerID is returned for lookups without a server id.
	ErrNoServerID = errors.New("server id is empty")
	// ErrInvalidPassword is returned for passwords that cannot be sent in a
	// PASS line.
	ErrInvalidPassword = errors.New("password contains CR, LF or NUL")
)

// Keychain maps server ids to keychain entries.
type Keychain struct {
	service string
}

// NewKeychain returns the keychain used by the bot.
func NewKeychain() *Keychain {
	return &Keychain{service: KeychainService}
}

// account is the keychain account of a server. Ids are namespaced so other
// entries of the same service are never touched.
func account(serverID string) (string, error) {
	id := strings.TrimSpace(serverID)
	if id == "" {
		return "", ErrNoServerID
	}
	return "server:" + id, nil
}

// StorePassword saves the PASS password of a server; an empty password
// removes it.
func (k *Keychain) StorePassword(serverID, password string) error {
	if password == "" {
		return k.DeletePassword(serverID)
	}
	if strings.ContainsAny(password, "\r\n\x00") {
		return ErrInvalidPassword
	}
	acct, err := account(serverID)
	if err != nil {
		return err
	}
	switch err := keyring.Set(k.service, acct, password); {
	case errors.Is(err, keyring.ErrSetDataTooBig):
		return fmt.Errorf("password of %s is too long for the keychain: %w", serverID, err)
	case err != nil:
		return fmt.Errorf("keychain write for %s failed: %w", serverID, err)
	}
	return nil
}

// GetPassword returns the stored password of a server, "" if there is none.
func (k *Keychain) GetPassword(serverID string) (string, error) {
	acct, err := account(serverID)
	if err != nil {
		return "", err
	}
	password, err := keyring.Get(k.service, acct)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keychain read for %s failed: %w", serverID, err)
	}
	return password, nil
}

// HasPassword reports whether a password is stored for a server.
func (k *Keychain) HasPassword(serverID string) (bool, error) {
	password, err := k.GetPassword(serverID)
	return password != "", err
}

// DeletePassword forgets the password of a server. Deleting a missing entry
// succeeds.
func (k *Keychain) DeletePassword(serverID string) error {
	acct, err := account(serverID)
	if err != nil {
		return err
	}
	if err := keyring.Delete(k.service, acct); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain delete for %s failed: %w", serverID, err)
	}
	return nil
}
