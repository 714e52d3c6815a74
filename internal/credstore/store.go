// Package credstore keeps SSH secrets in the operating system's credential
// vault, keyed by "username@host". Nothing is cached in memory; every call
// goes to the vault.
package credstore

import (
	"errors"
	"fmt"

	"github.com/hegde-atri/ironsight/internal/types"
)

// ErrNotFound is returned by a Vault, and by Store.Delete, when no secret
// exists for a key.
var ErrNotFound = errors.New("credential not found")

// Vault is the minimal secret backend the store needs.
type Vault interface {
	Set(key, secret string) error
	// Get returns ErrNotFound (possibly wrapped) for a missing key.
	Get(key string) (string, error)
	// Delete returns ErrNotFound (possibly wrapped) for a missing key.
	Delete(key string) error
}

// VaultError is any vault failure other than a missing entry.
type VaultError struct {
	Op  string
	Key string
	Err error
}

func (e *VaultError) Error() string {
	return fmt.Sprintf("vault %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *VaultError) Unwrap() error { return e.Err }

// Store is the credential facade.
type Store struct {
	vault Vault
}

// New returns a Store on vault.
func New(vault Vault) *Store {
	return &Store{vault: vault}
}

// Store creates or overwrites the secret for username@host.
func (s *Store) Store(username, host, secret string) error {
	key := types.KeyFor(username, host).String()
	if err := s.vault.Set(key, secret); err != nil {
		return &VaultError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Exists reports whether a secret is stored for username@host. The secret
// itself is never returned.
func (s *Store) Exists(username, host string) (bool, error) {
	key := types.KeyFor(username, host).String()
	_, err := s.vault.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, &VaultError{Op: "get", Key: key, Err: err}
	}
}

// Delete removes the secret for username@host. It returns ErrNotFound if
// there was none.
func (s *Store) Delete(username, host string) error {
	key := types.KeyFor(username, host).String()
	err := s.vault.Delete(key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	default:
		return &VaultError{Op: "delete", Key: key, Err: err}
	}
}
