// Package security stores SSH credentials in the OS keyring.
package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used for keyring entries.
const KeyringService = "hiburn"

// ErrUnavailable is returned when the OS keyring cannot be used.
var ErrUnavailable = errors.New("keyring not available")

const probeKey = "__hiburn_probe__"

// KeyringStore keeps SSH passwords for console servers in the system keyring
// (macOS Keychain, Linux Secret Service, Windows Credential Manager).
type KeyringStore struct {
	mu      sync.RWMutex
	enabled bool
}

// NewKeyringStore probes the keyring and returns a store. The store is
// disabled when the probe fails.
func NewKeyringStore() *KeyringStore {
	ks := &KeyringStore{enabled: true}
	if err := keyring.Set(KeyringService, probeKey, "probe"); err != nil {
		slog.Debug("keyring not available", slog.String("error", err.Error()))
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, probeKey)
	return ks
}

// IsEnabled reports whether the keyring is used.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled turns keyring use on or off.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

func passwordKey(host, user string) string {
	return fmt.Sprintf("ssh:%s@%s", user, host)
}

// StoreSSHPassword saves the password for user@host.
func (ks *KeyringStore) StoreSSHPassword(host, user, password string) error {
	if !ks.IsEnabled() {
		return ErrUnavailable
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(password))
	if err := keyring.Set(KeyringService, passwordKey(host, user), encoded); err != nil {
		return fmt.Errorf("store ssh password: %w", err)
	}
	slog.Debug("stored ssh password in keyring", slog.String("user", user), slog.String("host", host))
	return nil
}

// GetSSHPassword returns the saved password for user@host. A missing entry
// yields "" and a nil error.
func (ks *KeyringStore) GetSSHPassword(host, user string) (string, error) {
	if !ks.IsEnabled() {
		return "", ErrUnavailable
	}
	encoded, err := keyring.Get(KeyringService, passwordKey(host, user))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get ssh password: %w", err)
	}
	password, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ssh password: %w", err)
	}
	return string(password), nil
}

// DeleteSSHPassword removes the entry for user@host. Deleting a missing
// entry is not an error.
func (ks *KeyringStore) DeleteSSHPassword(host, user string) error {
	if !ks.IsEnabled() {
		return ErrUnavailable
	}
	err := keyring.Delete(KeyringService, passwordKey(host, user))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete ssh password: %w", err)
	}
	return nil
}
