package credstore

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// DefaultService is the vault service name entries are filed under.
const DefaultService = "ironsight-ssh"

// KeyringVault is a Vault backed by the native credential store: Keychain
// on macOS, the Secret Service on Linux, Credential Manager on Windows.
type KeyringVault struct {
	Service string
}

// NewKeyringVault returns a vault using service, or DefaultService if empty.
func NewKeyringVault(service string) KeyringVault {
	if service == "" {
		service = DefaultService
	}
	return KeyringVault{Service: service}
}

func (v KeyringVault) Set(key, secret string) error {
	return keyring.Set(v.Service, key, secret)
}

func (v KeyringVault) Get(key string) (string, error) {
	secret, err := keyring.Get(v.Service, key)
	return secret, translate(err)
}

func (v KeyringVault) Delete(key string) error {
	return translate(keyring.Delete(v.Service, key))
}

func translate(err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
