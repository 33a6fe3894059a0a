// Package db provides durable storage for job runs and the runtime event log, backed by
// PostgreSQL, SQLite or process memory.
package db

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/agent-runner/internal/types"
)

// Event query limits.
const (
	DefaultEventLimit = 200
	MaxEventLimit     = 1000
)

// Store persists one JobRun per job name and an append-only event log.
// LoadRun returns (nil, nil) when the job has no run yet.
type Store interface {
	LoadRun(ctx context.Context, jobName string) (*types.JobRun, error)
	SaveRun(ctx context.Context, run *types.JobRun) error
	ListRuns(ctx context.Context) ([]types.JobRun, error)
	AppendEvent(ctx context.Context, event *types.RuntimeEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]types.RuntimeEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// EventFilter selects events. Zero fields do not filter. Results are the most recent
// Limit matching events in chronological order.
type EventFilter struct {
	JobName string
	RunID   string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// ClampLimit bounds a requested event limit to [1, MaxEventLimit], defaulting to
// DefaultEventLimit when unset.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	default:
		return limit
	}
}

// Open selects a backend from the DSN scheme and prepares its schema:
// postgres:// or postgresql:// for PostgreSQL, sqlite:// or file: for SQLite, and an empty
// DSN or memory:// for the in-memory store.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory://":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		s, err := OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Newf("unsupported store DSN %q", redactDSN(dsn))
	}
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return "..."
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_runs (
	job_name       TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	phase          TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	rescue_mode    BOOLEAN NOT NULL DEFAULT FALSE,
	last_error     TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	next_action_at TIMESTAMPTZ,
	failed_phase   TEXT NOT NULL DEFAULT '',
	retry_of       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS runtime_events (
	id       BIGSERIAL PRIMARY KEY,
	ts       TIMESTAMPTZ NOT NULL,
	job_name TEXT NOT NULL,
	run_id   TEXT NOT NULL,
	kind     TEXT NOT NULL,
	phase    TEXT NOT NULL,
	outcome  TEXT NOT NULL,
	detail   TEXT NOT NULL DEFAULT '',
	data     TEXT NOT NULL DEFAULT ''
);

ALTER TABLE runtime_events ADD COLUMN IF NOT EXISTS data TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS runtime_events_job_ts_idx ON runtime_events (job_name, ts);
`

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, postgresSchema); err != nil {
		return errors.Wrap(err, "failed to migrate schema")
	}
	return nil
}

const runColumns = `run_id, job_name, phase, started_at, updated_at, rescue_mode,
	last_error, attempts, next_action_at, failed_phase, retry_of`

// LoadRun retrieves the current run of a job
func (db *DB) LoadRun(ctx context.Context, jobName string) (*types.JobRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE job_name = $1`,
		jobName,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to load run for %s", jobName)
	}
	return run, nil
}

// SaveRun upserts the run of a job in a single statement
func (db *DB) SaveRun(ctx context.Context, run *types.JobRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO job_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (job_name) DO UPDATE SET
		   run_id = $1, phase = $3, started_at = $4, updated_at = $5, rescue_mode = $6,
		   last_error = $7, attempts = $8, next_action_at = $9, failed_phase = $10, retry_of = $11`,
		run.RunID, run.JobName, run.Phase, run.StartedAt.UTC(), run.UpdatedAt.UTC(), run.RescueMode,
		run.LastError, run.Attempts, utcPtr(run.NextActionAt), run.FailedPhase, run.RetryOf,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save run %s", run.RunID)
	}
	return nil
}

// ListRuns returns the current run of every job
func (db *DB) ListRuns(ctx context.Context) ([]types.JobRun, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+runColumns+` FROM job_runs ORDER BY job_name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []types.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AppendEvent inserts an event and sets its ID
func (db *DB) AppendEvent(ctx context.Context, event *types.RuntimeEvent) error {
	data, err := encodeData(event.Data)
	if err != nil {
		return err
	}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO runtime_events (ts, job_name, run_id, kind, phase, outcome, detail, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		event.Timestamp.UTC(), event.JobName, event.RunID, string(event.Kind), event.Phase,
		string(event.Outcome), event.Detail, data,
	).Scan(&event.ID)
	if err != nil {
		return errors.Wrap(err, "failed to append event")
	}
	return nil
}

// ListEvents returns the most recent matching events, oldest first
func (db *DB) ListEvents(ctx context.Context, filter EventFilter) ([]types.RuntimeEvent, error) {
	query := `SELECT id, ts, job_name, run_id, kind, phase, outcome, detail, data
	          FROM runtime_events
	          WHERE 1 = 1`
	args := []any{}
	argPos := 1

	if filter.JobName != "" {
		query += " AND job_name = $" + strconv.Itoa(argPos)
		args = append(args, filter.JobName)
		argPos++
	}
	if filter.RunID != "" {
		query += " AND run_id = $" + strconv.Itoa(argPos)
		args = append(args, filter.RunID)
		argPos++
	}
	if !filter.Since.IsZero() {
		query += " AND ts >= $" + strconv.Itoa(argPos)
		args = append(args, filter.Since.UTC())
		argPos++
	}
	if !filter.Until.IsZero() {
		query += " AND ts < $" + strconv.Itoa(argPos)
		args = append(args, filter.Until.UTC())
		argPos++
	}

	query += " ORDER BY ts DESC, id DESC LIMIT $" + strconv.Itoa(argPos)
	args = append(args, ClampLimit(filter.Limit))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var events []types.RuntimeEvent
	for rows.Next() {
		var ev types.RuntimeEvent
		var kind, outcome, data string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.JobName, &ev.RunID, &kind, &ev.Phase,
			&outcome, &ev.Detail, &data); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		if ev.Data, err = decodeData(data); err != nil {
			return nil, err
		}
		ev.Kind = types.EventKind(kind)
		ev.Outcome = types.Outcome(outcome)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}

	slices.Reverse(events)
	return events, nil
}

// PruneEvents deletes events recorded before the cutoff
func (db *DB) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM runtime_events WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune events")
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*types.JobRun, error) {
	var run types.JobRun
	if err := row.Scan(&run.RunID, &run.JobName, &run.Phase, &run.StartedAt, &run.UpdatedAt,
		&run.RescueMode, &run.LastError, &run.Attempts, &run.NextActionAt, &run.FailedPhase,
		&run.RetryOf); err != nil {
		return nil, err
	}
	return &run, nil
}
