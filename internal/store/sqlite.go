package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteStore persists state in a local SQLite file. Writes go through a
// single connection (one writer); reads use a separate pool, which WAL mode
// lets run alongside the writer.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	path   string
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	inMemory := path == ":memory:"
	if !inMemory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}

	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	reader := writer
	if !inMemory {
		reader, err = sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("open sqlite reader %s: %w", path, err)
		}
		reader.SetMaxOpenConns(4)
	}

	s := &SQLiteStore{writer: writer, reader: reader, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			user_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_facts_user ON memory_facts (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			task TEXT NOT NULL,
			prompt TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			next_fire_at INTEGER NOT NULL,
			last_fired_at INTEGER NULL,
			active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_active ON scheduled_jobs (active, next_fire_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.writer.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	out, err := s.appendTurns(ctx, turn)
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

func (s *SQLiteStore) AppendExchange(ctx context.Context, user, assistant Turn) ([]Turn, error) {
	return s.appendTurns(ctx, user, assistant)
}

func (s *SQLiteStore) appendTurns(ctx context.Context, turns ...Turn) ([]Turn, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, writeErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	out := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		turn = normalizeTurn(turn, now)
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_turns WHERE user_id = ?`,
			turn.UserID,
		).Scan(&turn.Seq); err != nil {
			return nil, writeErr("next seq", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_turns (user_id, seq, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
			turn.UserID, turn.Seq, string(turn.Role), turn.Text, turn.CreatedAt.UnixNano(),
		); err != nil {
			return nil, writeErr("insert turn", err)
		}
		out = append(out, turn)
	}
	if err := tx.Commit(); err != nil {
		return nil, writeErr("commit turns", err)
	}
	return out, nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT user_id, seq, role, text, created_at
		   FROM conversation_turns WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t       Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.UserID, &t.Seq, &role, &t.Text, &created); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = time.Unix(0, created).UTC()
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	reverseTurns(items)
	return items, nil
}

func (s *SQLiteStore) SaveFact(ctx context.Context, fact Fact) (Fact, error) {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}
	if _, err := s.writer.ExecContext(ctx,
		`INSERT INTO memory_facts (id, user_id, text, created_at) VALUES (?, ?, ?, ?)`,
		fact.ID, fact.UserID, fact.Text, fact.CreatedAt.UnixNano(),
	); err != nil {
		return Fact{}, writeErr("save fact", err)
	}
	return fact, nil
}

func (s *SQLiteStore) ListFacts(ctx context.Context, userID string) ([]Fact, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, user_id, text, created_at FROM memory_facts WHERE user_id = ? ORDER BY created_at ASC, rowid ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var (
			f       Fact
			created int64
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &created); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		f.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ClearFacts(ctx context.Context, userID string) (int64, error) {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM memory_facts WHERE user_id = ?`, userID)
	if err != nil {
		return 0, writeErr("clear facts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, writeErr("clear facts", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job Job) (int64, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	lastFired := nullableUnix(job.LastFiredAt)
	if job.ID == 0 {
		res, err := s.writer.ExecContext(ctx,
			`INSERT INTO scheduled_jobs (user_id, cron_expr, task, prompt, created_at, next_fire_at, last_fired_at, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.UserID, job.CronExpr, job.Task, job.Prompt,
			job.CreatedAt.UnixNano(), job.NextFireAt.UnixNano(), lastFired, boolToInt(job.Active),
		)
		if err != nil {
			return 0, writeErr("insert job", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, writeErr("insert job id", err)
		}
		return id, nil
	}

	if _, err := s.writer.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, user_id, cron_expr, task, prompt, created_at, next_fire_at, last_fired_at, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			user_id=excluded.user_id,
			cron_expr=excluded.cron_expr,
			task=excluded.task,
			prompt=excluded.prompt,
			next_fire_at=excluded.next_fire_at,
			last_fired_at=excluded.last_fired_at,
			active=excluded.active`,
		job.ID, job.UserID, job.CronExpr, job.Task, job.Prompt,
		job.CreatedAt.UnixNano(), job.NextFireAt.UnixNano(), lastFired, boolToInt(job.Active),
	); err != nil {
		return 0, writeErr("upsert job", err)
	}
	return job.ID, nil
}

const sqliteJobColumns = `id, user_id, cron_expr, task, prompt, created_at, next_fire_at, last_fired_at, active`

func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+sqliteJobColumns+` FROM scheduled_jobs WHERE active = 1 ORDER BY id ASC`)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, userID string) ([]Job, error) {
	if userID == "" {
		return s.queryJobs(ctx, `SELECT `+sqliteJobColumns+` FROM scheduled_jobs ORDER BY id ASC`)
	}
	return s.queryJobs(ctx, `SELECT `+sqliteJobColumns+` FROM scheduled_jobs WHERE user_id = ? ORDER BY id ASC`, userID)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func (s *SQLiteStore) DeactivateJob(ctx context.Context, id int64) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `UPDATE scheduled_jobs SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return false, writeErr("deactivate job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("deactivate job", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkJobFired(ctx context.Context, id int64, firedAt, next time.Time) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE scheduled_jobs SET next_fire_at = ?, last_fired_at = ? WHERE id = ?`,
		next.UnixNano(), firedAt.UnixNano(), id,
	)
	if err != nil {
		return writeErr("mark job fired", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return writeErr("mark job fired", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var errs []error
	if s.reader != nil && s.reader != s.writer {
		errs = append(errs, s.reader.Close())
	}
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
	}
	return errors.Join(errs...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (Job, error) {
	var (
		job       Job
		created   int64
		next      int64
		lastFired sql.NullInt64
		active    int
	)
	if err := row.Scan(&job.ID, &job.UserID, &job.CronExpr, &job.Task, &job.Prompt, &created, &next, &lastFired, &active); err != nil {
		return Job{}, err
	}
	job.CreatedAt = time.Unix(0, created).UTC()
	job.NextFireAt = time.Unix(0, next).UTC()
	if lastFired.Valid {
		t := time.Unix(0, lastFired.Int64).UTC()
		job.LastFiredAt = &t
	}
	job.Active = active != 0
	return job, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func reverseTurns(items []Turn) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
