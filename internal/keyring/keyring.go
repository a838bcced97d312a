// Package keyring stores per-host transport credentials in the platform
// secret store so an operator can mark a dispatcher hide_password and
// never see (or re-type) its password in the terminal again.
package keyring

import (
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "gsh"

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

func open() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
				keyring.FileBackend,
			},
		})
	})
	return ring, ringErr
}

// SetPassword stores a password under the given host name.
func SetPassword(host, password string) error {
	kr, err := open()
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	return kr.Set(keyring.Item{
		Key:  host,
		Data: []byte(password),
	})
}

// GetPassword returns the stored password for host, or "" if none is set.
func GetPassword(host string) (string, error) {
	kr, err := open()
	if err != nil {
		return "", fmt.Errorf("open keyring: %w", err)
	}
	item, err := kr.Get(host)
	if err == keyring.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("retrieve password for %q: %w", host, err)
	}
	return string(item.Data), nil
}

// DeletePassword removes the stored password for host.
func DeletePassword(host string) error {
	kr, err := open()
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	if err := kr.Remove(host); err == keyring.ErrKeyNotFound {
		return fmt.Errorf("no password stored for %q", host)
	} else if err != nil {
		return err
	}
	return nil
}

// HasPassword reports whether a password is stored for host.
func HasPassword(host string) bool {
	kr, err := open()
	if err != nil {
		return false
	}
	_, err = kr.Get(host)
	return err == nil
}
