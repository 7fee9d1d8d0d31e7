package engine

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OllamaEngine runs completions against a local Ollama daemon. Streaming is
// disabled; the chat callback accumulates the full response before returning.
type OllamaEngine struct {
	client   *api.Client
	settings *Settings
}

var _ Engine = (*OllamaEngine)(nil)

func NewOllamaEngine(settings *Settings) (*OllamaEngine, error) {
	if settings == nil {
		return nil, errors.New("engine: settings cannot be nil")
	}

	var client *api.Client
	if settings.BaseURL != "" {
		base, err := url.Parse(settings.BaseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: invalid ollama base url %s", settings.BaseURL)
		}
		httpClient := http.DefaultClient
		if settings.TimeoutSeconds > 0 {
			httpClient = &http.Client{
				Timeout: time.Duration(settings.TimeoutSeconds) * time.Second,
			}
		}
		client = api.NewClient(base, httpClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, errors.Wrap(err, "engine: ollama client from environment")
		}
	}

	return &OllamaEngine{
		client:   client,
		settings: settings.Clone(),
	}, nil
}

func (e *OllamaEngine) Complete(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: e.settings.ModelOrDefault(),
		Messages: []api.Message{
			{Role: "user", Content: prompt},
		},
		Stream:  &stream,
		Options: ollamaOptions(e.settings),
	}

	log.Debug().
		Str("model", req.Model).
		Int("prompt_len", len(prompt)).
		Msg("engine: ollama chat completion")

	var sb strings.Builder
	err := e.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "ollama chat completion")
	}

	return sb.String(), nil
}

func ollamaOptions(settings *Settings) map[string]interface{} {
	opts := map[string]interface{}{
		"temperature": settings.Temperature,
	}
	if settings.MaxTokens > 0 {
		opts["num_predict"] = settings.MaxTokens
	}
	return opts
}
