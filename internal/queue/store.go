package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"spool/internal/config"
	"spool/internal/stream"
)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("job not found")

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the job database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "jobs.db")
	return OpenPath(dbPath)
}

// OpenPath opens the job database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Insert records a freshly submitted job in status queued.
func (s *Store) Insert(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("insert requires a job with an id")
	}
	urls, err := json.Marshal(job.URLs)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = stream.StatusQueued
	}
	timestamp := now.Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, urls, target_dir, status, message, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(urls), job.TargetDir, string(job.Status), job.Message, timestamp, timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// SetStatus updates the coarse lifecycle status of a job.
func (s *Store) SetStatus(ctx context.Context, jobID string, status stream.JobStatus, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		string(status), message, time.Now().UTC().Format(time.RFC3339Nano), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireRow(res)
}

// Finalize writes the terminal outcome of a job.
func (s *Store) Finalize(ctx context.Context, jobID string, outcome Outcome) error {
	var exitCode any
	if outcome.ExitCode != nil {
		exitCode = *outcome.ExitCode
	}
	var total, succeeded, failed any
	if outcome.Stats != nil {
		total, succeeded, failed = outcome.Stats.Total, outcome.Stats.Succeeded, outcome.Stats.Failed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, message = ?, error = ?, exit_code = ?,
            stats_total = ?, stats_succeeded = ?, stats_failed = ?, updated_at = ?
         WHERE id = ?`,
		string(outcome.Status), outcome.Message, outcome.Error, exitCode,
		total, succeeded, failed, time.Now().UTC().Format(time.RFC3339Nano), jobID,
	)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return requireRow(res)
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...stream.JobStatus) ([]*Job, error) {
	query := selectColumns
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + repeat(",?", len(statuses)-1) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Counts aggregates jobs per status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

const selectColumns = `SELECT id, urls, target_dir, status, message, error,
    exit_code, stats_total, stats_succeeded, stats_failed, created_at, updated_at FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job       Job
		urlsJSON  string
		exitCode  sql.NullInt64
		total     sql.NullInt64
		succeeded sql.NullInt64
		failed    sql.NullInt64
		status    string
		created   string
		updated   string
	)
	err := row.Scan(&job.ID, &urlsJSON, &job.TargetDir, &status, &job.Message, &job.Error,
		&exitCode, &total, &succeeded, &failed, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(urlsJSON), &job.URLs); err != nil {
		return nil, fmt.Errorf("unmarshal urls for job %s: %w", job.ID, err)
	}
	job.Status = stream.JobStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if total.Valid {
		job.Stats = &stream.Stats{
			Total:     int(total.Int64),
			Succeeded: int(succeeded.Int64),
			Failed:    int(failed.Int64),
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		job.UpdatedAt = ts
	}
	return &job, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
