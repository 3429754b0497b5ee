package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turns, facts and jobs in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			user_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_facts_user ON memory_facts (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			task TEXT NOT NULL,
			prompt TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			next_fire_at TIMESTAMPTZ NOT NULL,
			last_fired_at TIMESTAMPTZ NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_active ON scheduled_jobs (active, next_fire_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	out, err := s.appendTurns(ctx, turn)
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

func (s *PostgresStore) AppendExchange(ctx context.Context, user, assistant Turn) ([]Turn, error) {
	return s.appendTurns(ctx, user, assistant)
}

func (s *PostgresStore) appendTurns(ctx context.Context, turns ...Turn) ([]Turn, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, writeErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	out := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		turn = normalizeTurn(turn, now)
		// Several processes may share one database; the advisory lock keeps seq gap-free per user.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, turn.UserID); err != nil {
			return nil, writeErr("lock user", err)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_turns WHERE user_id=$1`,
			turn.UserID,
		).Scan(&turn.Seq); err != nil {
			return nil, writeErr("next seq", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_turns (user_id, seq, role, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
			turn.UserID, turn.Seq, string(turn.Role), turn.Text, turn.CreatedAt,
		); err != nil {
			return nil, writeErr("insert turn", err)
		}
		out = append(out, turn)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, writeErr("commit tx", err)
	}
	return out, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, seq, role, text, created_at
		 FROM conversation_turns WHERE user_id=$1 ORDER BY seq DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.UserID, &t.Seq, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = t.CreatedAt.UTC()
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	reverseTurns(items)
	return items, nil
}

func (s *PostgresStore) SaveFact(ctx context.Context, fact Fact) (Fact, error) {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO memory_facts (id, user_id, text, created_at) VALUES ($1, $2, $3, $4)`,
		fact.ID, fact.UserID, fact.Text, fact.CreatedAt,
	); err != nil {
		return Fact{}, writeErr("save fact", err)
	}
	return fact, nil
}

func (s *PostgresStore) ListFacts(ctx context.Context, userID string) ([]Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, text, created_at FROM memory_facts WHERE user_id=$1 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ClearFacts(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_facts WHERE user_id=$1`, userID)
	if err != nil {
		return 0, writeErr("clear facts", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) UpsertJob(ctx context.Context, job Job) (int64, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.ID == 0 {
		var id int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO scheduled_jobs (user_id, cron_expr, task, prompt, created_at, next_fire_at, last_fired_at, active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			job.UserID, job.CronExpr, job.Task, job.Prompt, job.CreatedAt, job.NextFireAt, job.LastFiredAt, job.Active,
		).Scan(&id)
		if err != nil {
			return 0, writeErr("insert job", err)
		}
		return id, nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_jobs (id, user_id, cron_expr, task, prompt, created_at, next_fire_at, last_fired_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			cron_expr=EXCLUDED.cron_expr,
			task=EXCLUDED.task,
			prompt=EXCLUDED.prompt,
			next_fire_at=EXCLUDED.next_fire_at,
			last_fired_at=EXCLUDED.last_fired_at,
			active=EXCLUDED.active`,
		job.ID, job.UserID, job.CronExpr, job.Task, job.Prompt, job.CreatedAt, job.NextFireAt, job.LastFiredAt, job.Active,
	)
	if err != nil {
		return 0, writeErr("upsert job", err)
	}
	return job.ID, nil
}

const pgJobColumns = `id, user_id, cron_expr, task, prompt, created_at, next_fire_at, last_fired_at, active`

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM scheduled_jobs WHERE id=$1`, id)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+pgJobColumns+` FROM scheduled_jobs WHERE active ORDER BY id ASC`)
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string) ([]Job, error) {
	if userID == "" {
		return s.queryJobs(ctx, `SELECT `+pgJobColumns+` FROM scheduled_jobs ORDER BY id ASC`)
	}
	return s.queryJobs(ctx, `SELECT `+pgJobColumns+` FROM scheduled_jobs WHERE user_id=$1 ORDER BY id ASC`, userID)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeactivateJob(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE scheduled_jobs SET active=FALSE WHERE id=$1`, id)
	if err != nil {
		return false, writeErr("deactivate job", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkJobFired(ctx context.Context, id int64, firedAt, next time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET next_fire_at=$1, last_fired_at=$2 WHERE id=$3`,
		next, firedAt, id,
	)
	if err != nil {
		return writeErr("mark job fired", err)
	}
	if tag.RowsAffected() == 0 {
		return writeErr("mark job fired", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresJob(row pgx.Row) (Job, error) {
	var (
		job          Job
		lastNullable *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.CronExpr,
		&job.Task,
		&job.Prompt,
		&job.CreatedAt,
		&job.NextFireAt,
		&lastNullable,
		&job.Active,
	); err != nil {
		return Job{}, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.NextFireAt = job.NextFireAt.UTC()
	if lastNullable != nil {
		t := lastNullable.UTC()
		job.LastFiredAt = &t
	}
	return job, nil
}
