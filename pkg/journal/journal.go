// Package journal keeps a SQLite record of every send.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/deskchat/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Run modes.
const (
	ModeSync   = "sync"
	ModeStream = "stream"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
)

// ErrNotFound is returned for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run is one journaled send.
type Run struct {
	RunID     string     `json:"run_id"`
	ProfileID string     `json:"profile_id"`
	ChatID    string     `json:"chat_id"`
	Mode      string     `json:"mode"`
	Backend   string     `json:"backend"`
	Status    string     `json:"status"`
	Steps     int        `json:"steps"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Filter selects runs for List.
type Filter struct {
	ProfileID string
	ChatID    string
	// Zero means 50
	Limit int
}

// Journal stores runs in a SQLite database.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the journal at path.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	j.logger.Info().Str("path", path).Msg("Run journal opened")
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			backend TEXT NOT NULL,
			status TEXT NOT NULL,
			steps INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_chat ON runs(profile_id, chat_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Begin records a running send and returns its run id. An empty runID gets a
// fresh uuid.
func (j *Journal) Begin(ctx context.Context, runID, profileID, chatID, mode, backend string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "deskchat.journal", "journal.begin", attribute.String("mode", mode))
	if runID == "" {
		runID = uuid.NewString()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, profile_id, chat_id, mode, backend, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, profileID, chatID, mode, backend, StatusRunning, time.Now().UnixMilli(),
	)
	tracing.EndSpan(span, err)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return runID, nil
}

// Finish marks a run as ended. A nil runErr means success.
func (j *Journal) Finish(ctx context.Context, runID string, steps int, runErr error) error {
	ctx, span := tracing.StartSpan(ctx, "deskchat.journal", "journal.finish")

	status, msg := StatusOK, ""
	if runErr != nil {
		status, msg = StatusError, runErr.Error()
	}

	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, steps = ?, error = ?, ended_at = ? WHERE run_id = ?`,
		status, steps, msg, time.Now().UnixMilli(), runID,
	)
	if err == nil {
		if n, _ := res.RowsAffected(); n == 0 {
			err = ErrNotFound
		}
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// Get returns one run.
func (j *Journal) Get(ctx context.Context, runID string) (*Run, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// List returns runs newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	if f.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, f.ProfileID)
	}
	if f.ChatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, f.ChatID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Prune deletes ended runs that started before the cutoff.
func (j *Journal) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM runs WHERE started_at < ? AND status != ?`,
		olderThan.UnixMilli(), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AbandonRunning marks runs left running by a previous process as failed.
func (j *Journal) AbandonRunning(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE status = ?`,
		StatusError, "interrupted", time.Now().UnixMilli(), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close abandoned runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

const runColumns = `run_id, profile_id, chat_id, mode, backend, status, steps, error, started_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r       Run
		started int64
		ended   sql.NullInt64
	)
	if err := s.Scan(&r.RunID, &r.ProfileID, &r.ChatID, &r.Mode, &r.Backend, &r.Status, &r.Steps, &r.Error, &started, &ended); err != nil {
		return nil, err
	}
	r.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		r.EndedAt = &t
	}
	return &r, nil
}
