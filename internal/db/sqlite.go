package db

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/jonathan/agent-runner/internal/types"
)

// SQLite is a single-file store for deployments without a database server.
// Timestamps are stored as UTC Unix nanoseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database %s", path)
	}
	// One writer keeps upserts serialized and makes ":memory:" a single shared database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to open sqlite database %s", path)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS job_runs (
		job_name       TEXT PRIMARY KEY,
		run_id         TEXT NOT NULL,
		phase          TEXT NOT NULL,
		started_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		rescue_mode    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT '',
		attempts       INTEGER NOT NULL DEFAULT 0,
		next_action_at INTEGER,
		failed_phase   TEXT NOT NULL DEFAULT '',
		retry_of       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS runtime_events (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		ts       INTEGER NOT NULL,
		job_name TEXT NOT NULL,
		run_id   TEXT NOT NULL,
		kind     TEXT NOT NULL,
		phase    TEXT NOT NULL,
		outcome  TEXT NOT NULL,
		detail   TEXT NOT NULL DEFAULT '',
		data     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS runtime_events_job_ts_idx ON runtime_events (job_name, ts)`,
}

// Migrate creates the tables if they do not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate schema")
		}
	}
	return nil
}

// LoadRun retrieves the current run of a job.
func (s *SQLite) LoadRun(ctx context.Context, jobName string) (*types.JobRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE job_name = ?`, jobName)
	run, err := scanSQLiteRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to load run for %s", jobName)
	}
	return run, nil
}

// SaveRun upserts the run of a job.
func (s *SQLite) SaveRun(ctx context.Context, run *types.JobRun) error {
	var next sql.NullInt64
	if run.NextActionAt != nil {
		next = sql.NullInt64{Int64: run.NextActionAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_name) DO UPDATE SET
		   run_id = excluded.run_id, phase = excluded.phase, started_at = excluded.started_at,
		   updated_at = excluded.updated_at, rescue_mode = excluded.rescue_mode,
		   last_error = excluded.last_error, attempts = excluded.attempts,
		   next_action_at = excluded.next_action_at, failed_phase = excluded.failed_phase,
		   retry_of = excluded.retry_of`,
		run.RunID, run.JobName, run.Phase, run.StartedAt.UnixNano(), run.UpdatedAt.UnixNano(),
		run.RescueMode, run.LastError, run.Attempts, next, run.FailedPhase, run.RetryOf,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save run %s", run.RunID)
	}
	return nil
}

// ListRuns returns the current run of every job.
func (s *SQLite) ListRuns(ctx context.Context) ([]types.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM job_runs ORDER BY job_name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []types.JobRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AppendEvent inserts an event and sets its ID.
func (s *SQLite) AppendEvent(ctx context.Context, event *types.RuntimeEvent) error {
	data, err := encodeData(event.Data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runtime_events (ts, job_name, run_id, kind, phase, outcome, detail, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UnixNano(), event.JobName, event.RunID, string(event.Kind), event.Phase,
		string(event.Outcome), event.Detail, data,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read event id")
	}
	event.ID = id
	return nil
}

// ListEvents returns the most recent matching events, oldest first.
func (s *SQLite) ListEvents(ctx context.Context, filter EventFilter) ([]types.RuntimeEvent, error) {
	query := `SELECT id, ts, job_name, run_id, kind, phase, outcome, detail, data
	          FROM runtime_events
	          WHERE 1 = 1`
	var args []any

	if filter.JobName != "" {
		query += " AND job_name = ?"
		args = append(args, filter.JobName)
	}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if !filter.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		query += " AND ts < ?"
		args = append(args, filter.Until.UnixNano())
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, ClampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var events []types.RuntimeEvent
	for rows.Next() {
		var ev types.RuntimeEvent
		var ts int64
		var kind, outcome, data string
		if err := rows.Scan(&ev.ID, &ts, &ev.JobName, &ev.RunID, &kind, &ev.Phase, &outcome,
			&ev.Detail, &data); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		if ev.Data, err = decodeData(data); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
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

// PruneEvents deletes events recorded before the cutoff.
func (s *SQLite) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runtime_events WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune events")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*types.JobRun, error) {
	var run types.JobRun
	var started, updated int64
	var next sql.NullInt64
	if err := row.Scan(&run.RunID, &run.JobName, &run.Phase, &started, &updated, &run.RescueMode,
		&run.LastError, &run.Attempts, &next, &run.FailedPhase, &run.RetryOf); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	run.UpdatedAt = time.Unix(0, updated).UTC()
	if next.Valid {
		t := time.Unix(0, next.Int64).UTC()
		run.NextActionAt = &t
	}
	return &run, nil
}
