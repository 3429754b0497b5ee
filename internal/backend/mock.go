package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockBackend provides deterministic local replies without a model server.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Complete(ctx context.Context, prompt Prompt, _ time.Duration) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(prompt), nil
}

func buildMockReply(p Prompt) string {
	base := ""
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == RoleUser {
			base = strings.TrimSpace(p.Messages[i].Content)
			break
		}
	}
	if base == "" {
		base = "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base)
}
