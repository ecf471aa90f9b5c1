package analytics

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"autocron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteRecorder struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (creating if needed) the execution history database.
func OpenSQLite(path string, log logx.Logger) (Recorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("analytics: sqlite path is required")
	}
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

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	r := &sqliteRecorder{db: db, log: log}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *sqliteRecorder) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *sqliteRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRecorder) Record(ctx context.Context, e Execution) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO executions(task_name, success, duration_ms, err, retries, at)
		 VALUES(?,?,?,?,?,?)`,
		e.TaskName, e.Success, e.Duration.Milliseconds(), nullStr(e.Error), e.RetryCount,
		e.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (r *sqliteRecorder) TaskStats(ctx context.Context, taskName string) (Stats, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(duration_ms), 0),
		        COALESCE(MAX(at), '')
		   FROM executions WHERE task_name = ?`,
		taskName,
	)
	var (
		runs, failures int
		avgMS          float64
		lastRaw        string
	)
	if err := row.Scan(&runs, &failures, &avgMS, &lastRaw); err != nil {
		return Stats{}, err
	}
	st := Stats{
		TaskName:    taskName,
		Runs:        runs,
		Failures:    failures,
		AvgDuration: time.Duration(avgMS * float64(time.Millisecond)),
	}
	if lastRaw != "" {
		if at, err := time.Parse(time.RFC3339Nano, lastRaw); err == nil {
			st.LastRun = at
		}
	}
	return st, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
