package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaHost = "http://localhost:11434"

// OllamaBackend calls a local Ollama server's /api/chat endpoint.
type OllamaBackend struct {
	url         string
	model       string
	numCtx      int
	temperature float64
	client      *http.Client
}

func NewOllamaBackend(cfg Config) *OllamaBackend {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = defaultOllamaHost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaBackend{
		url:         host + "/api/chat",
		model:       cfg.Model,
		numCtx:      cfg.ContextLength,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

func (b *OllamaBackend) Name() string { return "ollama:" + b.model }

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaChatRequest struct {
	Model     string        `json:"model"`
	Messages  []Message     `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive any           `json:"keep_alive,omitempty"`
	Options   ollamaOptions `json:"options"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func (b *OllamaBackend) Complete(ctx context.Context, prompt Prompt, keepAlive time.Duration) (string, error) {
	payload, err := json.Marshal(ollamaChatRequest{
		Model:     b.model,
		Messages:  flatten(prompt),
		Stream:    false,
		KeepAlive: keepAliveValue(keepAlive),
		Options: ollamaOptions{
			Temperature: b.temperature,
			NumCtx:      b.numCtx,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &StatusError{Backend: "ollama", Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, nil
}

// StatusError is a non-2xx answer from a model server.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http status %d: %s", e.Backend, e.Code, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.Code }

// keepAliveValue maps a negative duration to -1 (keep loaded forever) and a
// zero duration to the server default.
func keepAliveValue(d time.Duration) any {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return nil
	default:
		return d.String()
	}
}
