package engine

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Engine is a text-completion backend. Implementations handle
// provider-specific request shaping for services like OpenAI or a local
// Ollama daemon; callers hand in a fully assembled prompt and get back the
// raw model output.
type Engine interface {
	// Complete sends one prompt and returns the model's text response.
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// SupportedProviders lists the provider names NewEngineFromSettings accepts.
func SupportedProviders() []string {
	return []string{ProviderOpenAI, ProviderOllama}
}

// NewEngineFromSettings creates the backend selected by settings.Provider.
// An empty provider defaults to OpenAI.
func NewEngineFromSettings(settings *Settings) (Engine, error) {
	if settings == nil {
		return nil, errors.New("engine: settings cannot be nil")
	}

	provider := strings.ToLower(strings.TrimSpace(settings.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}

	switch provider {
	case ProviderOpenAI:
		return NewOpenAIEngine(settings)
	case ProviderOllama:
		return NewOllamaEngine(settings)
	default:
		return nil, errors.Errorf("engine: unsupported provider %s (supported: %s)",
			provider, strings.Join(SupportedProviders(), ", "))
	}
}
