package config

import (
	"testing"
)

func clearKeys(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAnthropicKey, "")
	t.Setenv(EnvGoogleKey, "")
}

func TestGetAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		clearKeys(t)
		t.Setenv(EnvAnthropicKey, "sk-ant-test-key")

		key, err := GetAPIKey(&Config{})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-test-key" {
			t.Errorf("expected 'sk-ant-test-key', got %q", key)
		}
	})

	t.Run("gemini provider reads google key", func(t *testing.T) {
		clearKeys(t)
		t.Setenv(EnvAnthropicKey, "sk-ant-ignored")
		t.Setenv(EnvGoogleKey, "google-key")

		cfg := &Config{Backend: BackendConfig{Provider: "gemini"}}
		key, err := GetAPIKey(cfg)
		if err != nil || key != "google-key" {
			t.Errorf("got %q, %v; want google-key", key, err)
		}
	})

	t.Run("unset provider falls back to google key", func(t *testing.T) {
		clearKeys(t)
		t.Setenv(EnvGoogleKey, "google-key")

		key, err := GetAPIKey(&Config{})
		if err != nil || key != "google-key" {
			t.Errorf("got %q, %v; want google-key", key, err)
		}
	})

	t.Run("from config", func(t *testing.T) {
		clearKeys(t)
		cfg := &Config{Backend: BackendConfig{APIKey: "sk-ant-config-key"}}
		key, err := GetAPIKey(cfg)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-config-key" {
			t.Errorf("expected 'sk-ant-config-key', got %q", key)
		}
	})

	t.Run("unexpanded reference is ignored", func(t *testing.T) {
		clearKeys(t)
		cfg := &Config{Backend: BackendConfig{APIKey: "${NOT_SET_ANYWHERE}"}}
		if _, err := GetAPIKey(cfg); err != ErrNoAPIKey {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		clearKeys(t)
		if _, err := GetAPIKey(&Config{}); err != ErrNoAPIKey {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		key      string
		wantErr  bool
	}{
		{"valid anthropic key", "anthropic", "sk-ant-REDACTED", false},
		{"empty key", "anthropic", "", true},
		{"wrong prefix", "anthropic", "sk-openai-12345678901234567890", true},
		{"too short", "anthropic", "sk-ant-abc", true},
		{"gemini key without prefix", "gemini", "AIzaSyabcdefghijklmnopqrstu", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.provider, tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{"valid key", "sk-ant-REDACTED", "sk-ant-...wxyz"},
		{"empty key", "", "(not set)"},
		{"short key", "short", "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := MaskAPIKey(tt.key); result != tt.expected {
				t.Errorf("MaskAPIKey() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetAPIKeySource(t *testing.T) {
	t.Run("from environment", func(t *testing.T) {
		clearKeys(t)
		t.Setenv(EnvAnthropicKey, "test-key")
		if source := GetAPIKeySource(&Config{}); source != KeySourceEnv {
			t.Errorf("expected KeySourceEnv, got %v", source)
		}
	})

	t.Run("from config", func(t *testing.T) {
		clearKeys(t)
		cfg := &Config{Backend: BackendConfig{APIKey: "sk-ant-config-key"}}
		if source := GetAPIKeySource(cfg); source != KeySourceConfig {
			t.Errorf("expected KeySourceConfig, got %v", source)
		}
	})

	t.Run("no key", func(t *testing.T) {
		clearKeys(t)
		if source := GetAPIKeySource(&Config{}); source != KeySourceNone {
			t.Errorf("expected KeySourceNone, got %v", source)
		}
	})
}
