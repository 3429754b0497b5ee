package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend targets any OpenAI-compatible chat completion endpoint.
// keepAlive is not part of that protocol and is ignored.
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAIBackend(cfg Config) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if host := strings.TrimSpace(cfg.Host); host != "" {
		clientCfg.BaseURL = strings.TrimRight(host, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
	}
}

func (b *OpenAIBackend) Name() string { return "openai:" + b.model }

func (b *OpenAIBackend) Complete(ctx context.Context, prompt Prompt, _ time.Duration) (string, error) {
	msgs := flatten(prompt)
	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Temperature: b.temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
			return "", &StatusError{Backend: "openai", Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
