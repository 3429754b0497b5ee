// Package engine runs one conversation turn end to end: prompt assembly, the
// model call, directive side effects and durable history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/ironclaw/internal/backend"
	"github.com/antoniostano/ironclaw/internal/cron"
	"github.com/antoniostano/ironclaw/internal/directive"
	"github.com/antoniostano/ironclaw/internal/observability"
	"github.com/antoniostano/ironclaw/internal/session"
	"github.com/antoniostano/ironclaw/internal/store"
)

var (
	// ErrBackendUnavailable means the model call failed. Nothing was recorded.
	ErrBackendUnavailable = errors.New("model backend unavailable")
	ErrEmptyTurn          = errors.New("turn text is empty")
	ErrMissingUser        = errors.New("user id is required")
)

// FileWriter is the slice of the workspace the engine needs.
type FileWriter interface {
	WriteFile(filename, content string) (string, error)
}

type Config struct {
	SystemPrompt string
	KeepAlive    time.Duration
	Location     *time.Location
}

type Deps struct {
	Store     store.Store
	Sessions  *session.Manager
	Backend   backend.Backend
	Workspace FileWriter
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Reply is what a front-end shows for one turn.
type Reply struct {
	Text       string                `json:"text"`
	Notes      []string              `json:"notes,omitempty"`
	Directives []directive.Directive `json:"-"`
}

// Render joins the visible text and the notes for chat front-ends.
func (r Reply) Render() string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(r.Text); t != "" {
		parts = append(parts, t)
	}
	if len(r.Notes) > 0 {
		parts = append(parts, strings.Join(r.Notes, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

type Engine struct {
	store     store.Store
	sessions  *session.Manager
	backend   backend.Backend
	workspace FileWriter
	metrics   *observability.Metrics
	logger    *zap.Logger

	systemPrompt string
	keepAlive    time.Duration
	location     *time.Location
	startedAt    time.Time
	now          func() time.Time
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	if deps.Backend == nil {
		return nil, errors.New("engine requires a backend")
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(deps.Store, 0)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		store:        deps.Store,
		sessions:     deps.Sessions,
		backend:      deps.Backend,
		workspace:    deps.Workspace,
		metrics:      deps.Metrics,
		logger:       deps.Logger.Named("engine"),
		systemPrompt: cfg.SystemPrompt,
		keepAlive:    cfg.KeepAlive,
		location:     loc,
		startedAt:    time.Now(),
		now:          time.Now,
	}, nil
}

type sourceKey struct{}

// WithSource tags turns submitted with ctx for metrics and logs.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func SourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "api"
}

// HandleTurn runs one turn for userID. Turns for the same user are processed
// one at a time in arrival order.
func (e *Engine) HandleTurn(ctx context.Context, userID, text string) (Reply, error) {
	userID = strings.TrimSpace(userID)
	text = strings.TrimSpace(text)
	if userID == "" {
		return Reply{}, ErrMissingUser
	}
	if text == "" {
		return Reply{}, ErrEmptyTurn
	}

	started := time.Now()
	source := SourceFrom(ctx)
	var (
		reply       Reply
		backendTook time.Duration
	)
	err := e.sessions.WithSession(ctx, userID, func(s *session.Session) error {
		facts, err := e.store.ListFacts(ctx, userID)
		if err != nil {
			return fmt.Errorf("load memories: %w", err)
		}
		prompt := e.buildPrompt(facts, s.History(), text)

		callStarted := time.Now()
		raw, err := e.backend.Complete(ctx, prompt, e.keepAlive)
		backendTook = time.Since(callStarted)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}

		parsed := directive.Parse(raw)
		reply.Text = parsed.Visible
		for _, perr := range parsed.Errors {
			reply.Notes = append(reply.Notes, malformedNote(perr))
			e.metrics.ObserveDirective(malformedKind(perr), "malformed")
			e.logger.Warn("dropped malformed directive", zap.String("user_id", userID), zap.Error(perr))
		}
		e.applyDirectives(ctx, userID, parsed.Directives, &reply)

		turns, err := e.store.AppendExchange(ctx,
			store.Turn{UserID: userID, Role: store.RoleUser, Text: text},
			store.Turn{UserID: userID, Role: store.RoleAssistant, Text: reply.Text},
		)
		if err != nil {
			return err
		}
		s.Append(turns...)
		return nil
	})

	outcome := turnOutcome(err)
	e.metrics.ObserveTurn(source, outcome, time.Since(started), backendTook)
	e.metrics.SetSessions(e.sessions.ActiveCount())
	if err != nil {
		e.logger.Warn("turn failed",
			zap.String("user_id", userID),
			zap.String("source", source),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return Reply{}, err
	}
	e.logger.Debug("turn complete",
		zap.String("user_id", userID),
		zap.String("source", source),
		zap.Int("directives", len(reply.Directives)),
		zap.Duration("backend", backendTook),
	)
	return reply, nil
}

func turnOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_error"
	case errors.Is(err, store.ErrStoreWrite):
		return "store_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// applyDirectives runs side effects in order. A failure only drops that
// directive and leaves a note.
func (e *Engine) applyDirectives(ctx context.Context, userID string, ds []directive.Directive, reply *Reply) {
	seen := make(map[string]struct{})
	for _, d := range ds {
		var err error
		switch d.Kind {
		case directive.KindSchedule:
			key := d.Schedule.CronExpr + "\x00" + d.Schedule.Prompt
			if _, dup := seen[key]; dup {
				e.metrics.ObserveDirective(string(d.Kind), "duplicate")
				continue
			}
			seen[key] = struct{}{}
			err = e.applySchedule(ctx, userID, *d.Schedule, reply)
		case directive.KindSaveFile:
			err = e.applySaveFile(*d.SaveFile, reply)
		case directive.KindSaveMemory:
			err = e.applySaveMemory(ctx, userID, *d.SaveMemory, reply)
		default:
			continue
		}
		if err != nil {
			e.metrics.ObserveDirective(string(d.Kind), "failed")
			e.logger.Warn("directive failed",
				zap.String("user_id", userID),
				zap.String("kind", string(d.Kind)),
				zap.Error(err),
			)
			continue
		}
		e.metrics.ObserveDirective(string(d.Kind), "applied")
		reply.Directives = append(reply.Directives, d)
	}
}

func (e *Engine) applySchedule(ctx context.Context, userID string, s directive.Schedule, reply *Reply) error {
	job, err := e.createJob(ctx, userID, s.CronExpr, s.Task, s.Prompt)
	if err != nil {
		if errors.Is(err, cron.ErrInvalidCron) {
			reply.Notes = append(reply.Notes, fmt.Sprintf("⚠️ Cron error: %v", err))
		} else {
			reply.Notes = append(reply.Notes, fmt.Sprintf("⚠️ Could not schedule %q: %v", s.Task, err))
		}
		return err
	}
	reply.Notes = append(reply.Notes, fmt.Sprintf("✅ Scheduled job #%d: %s (%s)", job.ID, job.Task, job.CronExpr))
	return nil
}

func (e *Engine) applySaveFile(f directive.SaveFile, reply *Reply) error {
	if e.workspace == nil {
		reply.Notes = append(reply.Notes, fmt.Sprintf("⚠️ Could not save %s: workspace disabled", f.Filename))
		return errors.New("workspace disabled")
	}
	name, err := e.workspace.WriteFile(f.Filename, f.Content)
	if err != nil {
		reply.Notes = append(reply.Notes, fmt.Sprintf("⚠️ Could not save %s: %v", f.Filename, err))
		return err
	}
	reply.Notes = append(reply.Notes, fmt.Sprintf("💾 Saved %s to workspace", name))
	return nil
}

func (e *Engine) applySaveMemory(ctx context.Context, userID string, m directive.SaveMemory, reply *Reply) error {
	if _, err := e.store.SaveFact(ctx, store.Fact{UserID: userID, Text: m.Text}); err != nil {
		reply.Notes = append(reply.Notes, fmt.Sprintf("⚠️ Could not remember that: %v", err))
		return err
	}
	reply.Notes = append(reply.Notes, fmt.Sprintf("🧠 Remembered: %s", m.Text))
	return nil
}

func (e *Engine) createJob(ctx context.Context, userID, expr, task, prompt string) (store.Job, error) {
	next, err := cron.ComputeNext(expr, e.now().In(e.location))
	if err != nil {
		return store.Job{}, err
	}
	job := store.Job{
		UserID:     userID,
		CronExpr:   cron.Normalize(expr),
		Task:       task,
		Prompt:     prompt,
		NextFireAt: next.UTC(),
		Active:     true,
	}
	id, err := e.store.UpsertJob(ctx, job)
	if err != nil {
		return store.Job{}, err
	}
	job.ID = id
	e.logger.Info("job scheduled",
		zap.String("user_id", userID),
		zap.Int64("job_id", id),
		zap.String("cron", job.CronExpr),
		zap.Time("next_fire_at", job.NextFireAt),
	)
	return job, nil
}

func malformedNote(err error) string {
	if errors.Is(err, cron.ErrInvalidCron) {
		return fmt.Sprintf("⚠️ Cron error: %v", err)
	}
	return fmt.Sprintf("⚠️ Ignored %v", err)
}

func malformedKind(err error) string {
	var me *directive.MalformedError
	if errors.As(err, &me) {
		switch me.Label {
		case "cron":
			return string(directive.KindSchedule)
		case "memory":
			return string(directive.KindSaveMemory)
		default:
			return string(directive.KindSaveFile)
		}
	}
	return "unknown"
}
