package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reportsched/internal/trigger"
	logx "reportsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, name, description, content_id, trigger_json, enabled, job_id,
	timeout_ms, retries, retries_delay_ms, failed_count, created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) error {
	tj, err := json.Marshal(t.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.ContentID, string(tj), boolInt(t.Enabled), t.JobID,
		t.Timeout.Milliseconds(), t.Retries, t.RetriesDelay.Milliseconds(), t.FailedCount,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *sqliteStore) GetTaskByJobID(ctx context.Context, jobID string) (Task, error) {
	if jobID == "" {
		return Task{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ?`, jobID)
	return scanTask(row)
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t Task) error {
	tj, err := json.Marshal(t.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, description=?, content_id=?, trigger_json=?, enabled=?, job_id=?,
		 timeout_ms=?, retries=?, retries_delay_ms=?, failed_count=?, updated_at=?
		 WHERE id=?`,
		t.Name, t.Description, t.ContentID, string(tj), boolInt(t.Enabled), t.JobID,
		t.Timeout.Milliseconds(), t.Retries, t.RetriesDelay.Milliseconds(), t.FailedCount,
		t.UpdatedAt.Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *sqliteStore) SearchTasks(ctx context.Context, name string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE name LIKE ? ESCAPE '\' ORDER BY created_at, id`,
		"%"+escapeLike(name)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                    Task
		tj                   string
		enabled              int
		timeoutMS, rdelayMS  int64
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.ContentID, &tj, &enabled, &t.JobID,
		&timeoutMS, &t.Retries, &rdelayMS, &t.FailedCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	var spec trigger.Spec
	if err := json.Unmarshal([]byte(tj), &spec); err != nil {
		return Task{}, fmt.Errorf("decode trigger for task %s: %w", t.ID, err)
	}
	t.Trigger = spec
	t.Enabled = enabled != 0
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.RetriesDelay = time.Duration(rdelayMS) * time.Millisecond
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
