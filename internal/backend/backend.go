// Package backend talks to the language model that produces assistant replies.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/reliability"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is the full model input for one turn.
type Prompt struct {
	System   string
	Messages []Message
}

// Backend completes one prompt. Implementations are shared by every user and
// must be safe for concurrent use. They never retry.
type Backend interface {
	Complete(ctx context.Context, prompt Prompt, keepAlive time.Duration) (string, error)
	Name() string
}

// Config controls backend construction.
type Config struct {
	Mode          string
	Host          string
	Model         string
	APIKey        string
	ContextLength int
	Temperature   float64
	Timeout       time.Duration
}

func NewBackend(cfg Config) (Backend, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "ollama"
	}

	switch mode {
	case "ollama":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, errors.New("backend model is required for ollama mode")
		}
		return NewOllamaBackend(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, errors.New("backend model is required for openai mode")
		}
		return NewOpenAIBackend(cfg), nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}

// warmUpAttempts bounds how often WarmUp retries a transient failure.
const warmUpAttempts = 3

var warmUpBackoff = 2 * time.Second

// WarmUp sends a one-line prompt so the model is resident before the first
// user turn. Transient failures are retried with backoff; the final failure
// is logged, never fatal.
func WarmUp(ctx context.Context, b Backend, keepAlive time.Duration, logger *zap.Logger) {
	if b == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	started := time.Now()
	var err error
	for attempt := 0; attempt < warmUpAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, warmUpBackoff, 30*time.Second)
			logger.Debug("retrying model warm-up", zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		_, err = b.Complete(ctx, Prompt{
			Messages: []Message{{Role: RoleUser, Content: "hi"}},
		}, keepAlive)
		if err == nil || !reliability.IsRetryable(err) {
			break
		}
	}
	if err != nil {
		logger.Warn("model warm-up failed", zap.String("backend", b.Name()), zap.Error(err))
		return
	}
	logger.Info("model warmed up", zap.String("backend", b.Name()), zap.Duration("elapsed", time.Since(started)))
}

// flatten returns the system message followed by the conversation.
func flatten(p Prompt) []Message {
	out := make([]Message, 0, len(p.Messages)+1)
	if strings.TrimSpace(p.System) != "" {
		out = append(out, Message{Role: RoleSystem, Content: p.System})
	}
	return append(out, p.Messages...)
}
