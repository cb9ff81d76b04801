package model

import (
	"fmt"

	"github.com/loomhq/loom/pkg/session"
)

// New constructs a model for a named provider. Supported providers are
// "anthropic" and "openai".
func New(provider, apiKey, modelName string) (session.Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required for provider %s", provider)
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required for provider %s", provider)
	}

	switch provider {
	case "anthropic":
		return NewAnthropic(apiKey, modelName), nil
	case "openai":
		return NewOpenAI(apiKey, modelName), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
