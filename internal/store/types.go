package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreWrite wraps every failed durable write. A turn that hits it is aborted.
	ErrStoreWrite = errors.New("store write failed")
	ErrNotFound   = errors.New("not found in store")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable conversation row. Seq is strictly increasing per user.
type Turn struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Fact is a free-text memory the user (or the model) marked as important.
type Fact struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is a recurring prompt re-injected into the user's conversation.
type Job struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	CronExpr    string     `json:"cron_expr"`
	Task        string     `json:"task"`
	Prompt      string     `json:"prompt"`
	CreatedAt   time.Time  `json:"created_at"`
	NextFireAt  time.Time  `json:"next_fire_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	Active      bool       `json:"active"`
}

// Store owns all durable state: turns, memory facts and scheduled jobs.
// Implementations serialize physical writes and allow concurrent reads.
type Store interface {
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	// AppendExchange records the user turn and the assistant reply atomically.
	AppendExchange(ctx context.Context, user, assistant Turn) ([]Turn, error)
	RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error)

	SaveFact(ctx context.Context, fact Fact) (Fact, error)
	ListFacts(ctx context.Context, userID string) ([]Fact, error)
	ClearFacts(ctx context.Context, userID string) (int64, error)

	UpsertJob(ctx context.Context, job Job) (int64, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	ListJobs(ctx context.Context, userID string) ([]Job, error)
	DeactivateJob(ctx context.Context, id int64) (bool, error)
	MarkJobFired(ctx context.Context, id int64, firedAt, next time.Time) error

	Mode() string
	Close() error
}

func writeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreWrite, op, err)
}

func normalizeTurn(turn Turn, now time.Time) Turn {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	return turn
}
