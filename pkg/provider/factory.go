package provider

import (
	"fmt"

	"github.com/rs/zerolog"
)

// AuthProfile holds credentials for one model provider
type AuthProfile struct {
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// Factory creates providers from auth profiles
type Factory struct {
	logger zerolog.Logger
}

// NewFactory creates a provider factory
func NewFactory(logger zerolog.Logger) *Factory {
	return &Factory{logger: logger}
}

// New creates a provider for the given auth profile
func (f *Factory) New(profile AuthProfile) (Provider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("auth profile for %q has no API key", profile.Provider)
	}

	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, f.logger), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
