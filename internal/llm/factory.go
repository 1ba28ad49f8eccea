package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider names accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// FactoryConfig selects and configures a backend.
type FactoryConfig struct {
	Provider   string
	Model      string
	APIKey     string
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	MaxTokens  int
}

// New builds the configured backend. An empty provider is auto-detected
// from the environment: Bedrock or ANTHROPIC_API_KEY selects Claude,
// GOOGLE_API_KEY selects Gemini, otherwise an error is returned so a
// run never silently uses the mock.
func New(ctx context.Context, cfg FactoryConfig) (Backend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = detectProvider(cfg)
	}
	switch provider {
	case ProviderAnthropic:
		return NewAnthropic(AnthropicConfig{
			Model:         cfg.Model,
			APIKey:        cfg.APIKey,
			UseAWSBedrock: cfg.UseBedrock,
			AWSRegion:     cfg.AWSRegion,
			AWSProfile:    cfg.AWSProfile,
			MaxTokens:     cfg.MaxTokens,
		})
	case ProviderGemini:
		return NewGemini(ctx, GeminiConfig{
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			MaxTokens: cfg.MaxTokens,
		})
	case ProviderMock:
		return NewMockBackend(), nil
	case "":
		return nil, fmt.Errorf("%w: no provider configured and no API key found", ErrUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
}

func detectProvider(cfg FactoryConfig) string {
	if cfg.UseBedrock {
		return ProviderAnthropic
	}
	if strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")) != "" {
		return ProviderAnthropic
	}
	if strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")) != "" {
		return ProviderGemini
	}
	return ""
}
