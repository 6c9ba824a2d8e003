// keyring.go stores secrets in the operating system's native keyring
// (Linux: Secret Service, macOS: Keychain, Windows: Credential Manager).
//
// Resolution priority:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variables (including values from .env via godotenv)
//  3. config YAML value (least secure, plaintext on disk)
package config

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "valor"

	// KeyClassifierAPIKey names the classifier LLM API key entry.
	KeyClassifierAPIKey = "classifier_api_key"

	// KeyDiscordToken names the Discord bot token entry.
	KeyDiscordToken = "discord_token"
)

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// KeyringAvailable checks whether the OS keyring is usable by doing a
// write and delete cycle with a throwaway entry.
func KeyringAvailable() bool {
	const testKey = "__valor_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecret walks the priority chain: keyring entry first, then each
// environment variable in order. Returns "" when nothing is set.
func ResolveSecret(keyringKey string, envVars ...string) string {
	if val, err := keyring.Get(keyringService, keyringKey); err == nil && val != "" {
		return val
	}
	for _, name := range envVars {
		if val := os.Getenv(name); val != "" {
			return val
		}
	}
	return ""
}
