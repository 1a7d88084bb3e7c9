// Package journal records pipeline runs in a SQLite file inside the
// dataset so an interrupted run can be resumed without repeating the
// processors that already completed.
package journal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Step states recorded per processor.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Journal is the run journal of one dataset directory.
type Journal struct {
	db      *sql.DB
	entropy *ulid.MonotonicEntropy
}

// Open opens (or creates) the journal database with WAL mode enabled.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY(run_id, phase, name),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Begin opens a new run and returns its id.
func (j *Journal) Begin(ctx context.Context, command string) (string, error) {
	id := ulid.MustNew(ulid.Now(), j.entropy).String()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, started_at, status) VALUES (?, ?, ?, ?)`,
		id, command, time.Now().UTC().Format(time.RFC3339Nano), StatusStarted,
	)
	if err != nil {
		return "", fmt.Errorf("journal: begin run: %w", err)
	}
	return id, nil
}

// Finish marks a run as completed or failed.
func (j *Journal) Finish(ctx context.Context, runID string, runErr error) error {
	status := StatusCompleted
	if runErr != nil {
		status = StatusFailed
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	return err
}

// LastRun returns the id of the most recent run of command, or empty.
func (j *Journal) LastRun(ctx context.Context, command string) (string, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE command = ? ORDER BY id DESC LIMIT 1`, command)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// MarkStep records the state of one processor in a run.
func (j *Journal) MarkStep(ctx context.Context, runID, phase, name, status string, stepErr error) error {
	errText := sql.NullString{}
	if stepErr != nil {
		errText = sql.NullString{String: stepErr.Error(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO steps (run_id, phase, name, status, error, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, phase, name) DO UPDATE SET
	status = excluded.status,
	error = excluded.error,
	updated_at = excluded.updated_at`,
		runID, phase, name, status, errText, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// CompletedSteps lists the processor names that completed in a run,
// keyed by phase.
func (j *Journal) CompletedSteps(ctx context.Context, runID string) (map[string]map[string]bool, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT phase, name FROM steps WHERE run_id = ? AND status = ?`, runID, StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	completed := map[string]map[string]bool{}
	for rows.Next() {
		var phase, name string
		if err := rows.Scan(&phase, &name); err != nil {
			return nil, err
		}
		if completed[phase] == nil {
			completed[phase] = map[string]bool{}
		}
		completed[phase][name] = true
	}
	return completed, rows.Err()
}
