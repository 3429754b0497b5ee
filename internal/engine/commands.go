package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/observability"
	"github.com/antoniostano/ironclaw/internal/session"
	"github.com/antoniostano/ironclaw/internal/store"
)

// Schedule creates a job directly, bypassing the model.
func (e *Engine) Schedule(ctx context.Context, userID, expr, prompt string) (store.Job, error) {
	userID = strings.TrimSpace(userID)
	prompt = strings.TrimSpace(prompt)
	if userID == "" {
		return store.Job{}, ErrMissingUser
	}
	if prompt == "" {
		return store.Job{}, ErrEmptyTurn
	}
	return e.createJob(ctx, userID, expr, taskName(prompt), prompt)
}

// CancelJob deactivates a job owned by userID. An unknown id, or a job owned
// by someone else, reports false without error.
func (e *Engine) CancelJob(ctx context.Context, userID string, id int64) (bool, error) {
	job, err := e.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if userID != "" && job.UserID != userID {
		return false, nil
	}
	ok, err := e.store.DeactivateJob(ctx, id)
	if err == nil && ok {
		e.logger.Info("job cancelled", zap.String("user_id", job.UserID), zap.Int64("job_id", id))
	}
	return ok, err
}

// Jobs lists the active jobs for userID.
func (e *Engine) Jobs(ctx context.Context, userID string) ([]store.Job, error) {
	all, err := e.store.ListJobs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, j := range all {
		if j.Active {
			out = append(out, j)
		}
	}
	return out, nil
}

func (e *Engine) Memories(ctx context.Context, userID string) ([]store.Fact, error) {
	return e.store.ListFacts(ctx, userID)
}

func (e *Engine) Remember(ctx context.Context, userID, text string) (store.Fact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Fact{}, ErrEmptyTurn
	}
	return e.store.SaveFact(ctx, store.Fact{UserID: userID, Text: text})
}

func (e *Engine) Forget(ctx context.Context, userID string) (int64, error) {
	return e.store.ClearFacts(ctx, userID)
}

// ClearHistory empties the user's in-memory window. Stored turns are kept
// and come back after a restart.
func (e *Engine) ClearHistory(ctx context.Context, userID string) error {
	return e.sessions.WithSession(ctx, userID, func(s *session.Session) error {
		s.Reset()
		return nil
	})
}

func (e *Engine) RecentTurns(ctx context.Context, userID string, limit int) ([]store.Turn, error) {
	return e.store.RecentTurns(ctx, userID, limit)
}

type Status struct {
	Backend        string                        `json:"backend"`
	StoreMode      string                        `json:"store_mode"`
	Uptime         time.Duration                 `json:"uptime"`
	LoadedSessions int                           `json:"loaded_sessions"`
	HistoryTurns   int                           `json:"history_turns"`
	MaxHistory     int                           `json:"max_history"`
	ActiveJobs     int                           `json:"active_jobs"`
	Memories       int                           `json:"memories"`
	Latency        observability.LatencySnapshot `json:"latency"`
}

func (e *Engine) Status(ctx context.Context, userID string) (Status, error) {
	st := Status{
		Backend:        e.backend.Name(),
		StoreMode:      e.store.Mode(),
		Uptime:         time.Since(e.startedAt).Round(time.Second),
		LoadedSessions: e.sessions.ActiveCount(),
		MaxHistory:     e.sessions.MaxHistory(),
		Latency:        e.metrics.Latency(),
	}
	if userID == "" {
		return st, nil
	}
	jobs, err := e.Jobs(ctx, userID)
	if err != nil {
		return st, fmt.Errorf("list jobs: %w", err)
	}
	st.ActiveJobs = len(jobs)
	facts, err := e.store.ListFacts(ctx, userID)
	if err != nil {
		return st, fmt.Errorf("list memories: %w", err)
	}
	st.Memories = len(facts)
	// Never waits on an in-flight turn; users with no session report 0.
	st.HistoryTurns, _ = e.sessions.WindowLen(userID)
	return st, nil
}

func taskName(prompt string) string {
	const limit = 48
	r := []rune(strings.TrimSpace(prompt))
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit]) + "…"
}
