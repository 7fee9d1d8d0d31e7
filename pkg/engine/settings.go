package engine

import (
	"strings"

	"github.com/huandu/go-clone"
)

// Settings configures the completion backend shared by every pipeline stage.
type Settings struct {
	Provider       string  `yaml:"provider,omitempty" mapstructure:"provider"`
	Model          string  `yaml:"model,omitempty" mapstructure:"model"`
	BaseURL        string  `yaml:"base_url,omitempty" mapstructure:"base_url"`
	APIKey         string  `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Temperature    float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens      int     `yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultOllamaModel = "llama2"
)

func NewSettings() *Settings {
	return &Settings{
		Provider:       ProviderOpenAI,
		MaxTokens:      2048,
		TimeoutSeconds: 120,
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// The WithX helpers return modified copies so a shared base configuration
// can be specialized per stage without data races.

func (s *Settings) WithProvider(provider string) *Settings {
	ret := s.Clone()
	ret.Provider = provider
	return ret
}

func (s *Settings) WithModel(model string) *Settings {
	ret := s.Clone()
	ret.Model = model
	return ret
}

func (s *Settings) WithBaseURL(baseURL string) *Settings {
	ret := s.Clone()
	ret.BaseURL = baseURL
	return ret
}

func (s *Settings) WithAPIKey(apiKey string) *Settings {
	ret := s.Clone()
	ret.APIKey = apiKey
	return ret
}

func (s *Settings) WithTemperature(temperature float64) *Settings {
	ret := s.Clone()
	ret.Temperature = temperature
	return ret
}

func (s *Settings) WithMaxTokens(maxTokens int) *Settings {
	ret := s.Clone()
	ret.MaxTokens = maxTokens
	return ret
}

// ModelOrDefault resolves the model name, falling back to the provider's
// default when none is configured.
func (s *Settings) ModelOrDefault() string {
	if s.Model != "" {
		return s.Model
	}
	if strings.ToLower(strings.TrimSpace(s.Provider)) == ProviderOllama {
		return defaultOllamaModel
	}
	return defaultOpenAIModel
}
