package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRun is one analysis session as recorded in session_runs.
type SessionRun struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`

	FramesAdmitted int `json:"frames_admitted"`
	FramesFused    int `json:"frames_fused"`
	FramesDropped  int `json:"frames_dropped"`
	FramesTimedOut int `json:"frames_timed_out"`
	Observations   int `json:"observations"`
	Incidents      int `json:"incidents"`
}

// StartSessionRun records a session as running.
func (db *DB) StartSessionRun(ctx context.Context, id, source string, startedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO session_runs (id, source, started_at_ns, status) VALUES (?, ?, ?, 'running')",
		id, source, startedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to start session run: %w", err)
	}
	return nil
}

// FinishSessionRun stores the outcome of a session started with
// StartSessionRun.
func (db *DB) FinishSessionRun(ctx context.Context, run SessionRun) error {
	res, err := db.ExecContext(ctx, `
		UPDATE session_runs SET
			ended_at_ns = ?, status = ?, error = ?,
			frames_admitted = ?, frames_fused = ?, frames_dropped = ?, frames_timed_out = ?,
			observations = ?, incidents = ?
		WHERE id = ?
	`,
		unixNanos(run.EndedAt), run.Status, run.Error,
		run.FramesAdmitted, run.FramesFused, run.FramesDropped, run.FramesTimedOut,
		run.Observations, run.Incidents,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

const sessionColumns = `
	id, source, started_at_ns, ended_at_ns, status, error,
	frames_admitted, frames_fused, frames_dropped, frames_timed_out,
	observations, incidents`

func scanSessionRun(row rowScanner) (SessionRun, error) {
	var (
		run     SessionRun
		started int64
		ended   sql.NullInt64
	)
	err := row.Scan(
		&run.ID, &run.Source, &started, &ended, &run.Status, &run.Error,
		&run.FramesAdmitted, &run.FramesFused, &run.FramesDropped, &run.FramesTimedOut,
		&run.Observations, &run.Incidents,
	)
	if err != nil {
		return SessionRun{}, err
	}
	run.StartedAt = time.Unix(0, started)
	run.EndedAt = fromNanos(ended)
	return run, nil
}

// GetSessionRun returns one session run by ID.
func (db *DB) GetSessionRun(ctx context.Context, id string) (SessionRun, error) {
	run, err := scanSessionRun(db.QueryRowContext(ctx, "SELECT"+sessionColumns+" FROM session_runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRun{}, fmt.Errorf("session run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SessionRun{}, fmt.Errorf("failed to get session run: %w", err)
	}
	return run, nil
}

// SessionRuns returns the most recent session runs, newest first.
func (db *DB) SessionRuns(ctx context.Context, limit int) ([]SessionRun, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT"+sessionColumns+" FROM session_runs ORDER BY started_at_ns DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session runs: %w", err)
	}
	defer rows.Close()

	var runs []SessionRun
	for rows.Next() {
		run, err := scanSessionRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
