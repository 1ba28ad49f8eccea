// Package config provides API key management utilities.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/ShayCichocki/autopilot/internal/llm"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no backend API key configured")

// Environment variables holding provider keys.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvGoogleKey    = "GOOGLE_API_KEY"
)

// keyEnv returns the environment variable for the configured provider.
// An unset provider prefers Anthropic, then Google.
func keyEnv(cfg *Config) string {
	provider := ""
	if cfg != nil {
		provider = strings.ToLower(cfg.Backend.Provider)
	}
	switch provider {
	case llm.ProviderGemini:
		return EnvGoogleKey
	case llm.ProviderAnthropic:
		return EnvAnthropicKey
	}
	if os.Getenv(EnvAnthropicKey) == "" && os.Getenv(EnvGoogleKey) != "" {
		return EnvGoogleKey
	}
	return EnvAnthropicKey
}

// GetAPIKey returns the backend API key.
// It checks in order: provider environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv(keyEnv(cfg)); key != "" {
		return key, nil
	}
	if key := configKey(cfg); key != "" {
		return key, nil
	}
	return "", ErrNoAPIKey
}

func configKey(cfg *Config) string {
	if cfg == nil || cfg.Backend.APIKey == "" {
		return ""
	}
	key := os.ExpandEnv(cfg.Backend.APIKey)
	if key == "" || strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

// ValidateAPIKey performs basic format validation for the provider's key.
// It does not verify the key with the provider.
func ValidateAPIKey(provider, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	if strings.ToLower(provider) == llm.ProviderAnthropic && !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	if os.Getenv(keyEnv(cfg)) != "" {
		return KeySourceEnv
	}
	if configKey(cfg) != "" {
		return KeySourceConfig
	}
	return KeySourceNone
}
