// Package companion – keyring.go stores API credentials in the OS
// keychain, with environment variables as the headless fallback.
package companion

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the OS keychain service name.
const keyringService = "companionbot"

// Known secret keys.
const (
	SecretTelegramToken   = "telegram-token"
	SecretAnthropicAPIKey = "anthropic-api-key"
	SecretWeatherAPIKey   = "openweathermap-api-key"
	SecretBraveAPIKey     = "brave-api-key"
)

// SecretStore reads and writes named secrets.
type SecretStore struct{}

// NewSecretStore returns the keychain-backed store.
func NewSecretStore() *SecretStore { return &SecretStore{} }

// envName maps a secret key to its environment fallback variable:
// uppercased, hyphens to underscores.
func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Get returns the secret value, preferring the keychain and falling back
// to the environment. Empty string when unset in both.
func (s *SecretStore) Get(key string) string {
	if v, err := keyring.Get(keyringService, key); err == nil && v != "" {
		return v
	}
	return os.Getenv(envName(key))
}

// Set writes the secret to the keychain.
func (s *SecretStore) Set(key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return Errorf(ErrPersistence, "store secret %q: %v", key, err)
	}
	return nil
}

// Delete removes the secret from the keychain. Missing entries are not an
// error.
func (s *SecretStore) Delete(key string) error {
	err := keyring.Delete(keyringService, key)
	if err != nil && err != keyring.ErrNotFound {
		return Errorf(ErrPersistence, "delete secret %q: %v", key, err)
	}
	return nil
}
