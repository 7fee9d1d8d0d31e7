package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// OpenAIEngine talks to any OpenAI-compatible chat completion endpoint.
// BaseURL overrides make it work against proxies and compatible providers.
type OpenAIEngine struct {
	client   *go_openai.Client
	settings *Settings
}

var _ Engine = (*OpenAIEngine)(nil)

func NewOpenAIEngine(settings *Settings) (*OpenAIEngine, error) {
	if settings == nil {
		return nil, errors.New("engine: settings cannot be nil")
	}
	if settings.APIKey == "" {
		return nil, errors.New("engine: missing openai api key")
	}

	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	if settings.TimeoutSeconds > 0 {
		config.HTTPClient = &http.Client{
			Timeout: time.Duration(settings.TimeoutSeconds) * time.Second,
		}
	}

	return &OpenAIEngine{
		client:   go_openai.NewClientWithConfig(config),
		settings: settings.Clone(),
	}, nil
}

func (e *OpenAIEngine) Complete(ctx context.Context, prompt string) (string, error) {
	req := makeCompletionRequest(e.settings, prompt)

	log.Debug().
		Str("model", req.Model).
		Int("prompt_len", len(prompt)).
		Float64("temperature", e.settings.Temperature).
		Msg("engine: openai chat completion")

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "openai chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

func makeCompletionRequest(settings *Settings, prompt string) go_openai.ChatCompletionRequest {
	return go_openai.ChatCompletionRequest{
		Model: settings.ModelOrDefault(),
		Messages: []go_openai.ChatCompletionMessage{
			{
				Role:    go_openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: float32(settings.Temperature),
		MaxTokens:   settings.MaxTokens,
	}
}
