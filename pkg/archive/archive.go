// Package archive stores finished pipeline runs in SQLite so past analyses
// can be listed and reloaded.
package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.

	"reqgenie/pkg/proto"
)

// ErrNotFound is returned when no archived run matches the given ID.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	requirement TEXT NOT NULL,
	app_type    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Archive is a handle to the run archive database.
type Archive struct {
	db *sql.DB
}

// RunSummary is one row of the archive listing.
type RunSummary struct {
	ID          string
	Requirement string
	AppType     string
	Status      proto.RunStatus
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Open opens or creates the archive database at dbPath.
func Open(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports only one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Archive{db: db}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Save stores a terminal run, replacing any previous row with the same ID.
func (a *Archive) Save(run *proto.PipelineRun) error {
	if !run.Terminal() {
		return fmt.Errorf("cannot archive run %s: status %s is not terminal", run.ID, run.Status)
	}

	payload, err := run.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	_, err = a.db.Exec(`
		INSERT OR REPLACE INTO runs (id, requirement, app_type, status, started_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Requirement.Text, run.Requirement.AppType, string(run.Status),
		run.StartedAt, run.FinishedAt, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to store run %s: %w", run.ID, err)
	}
	return nil
}

// Load reloads a run by ID.
func (a *Archive) Load(id string) (*proto.PipelineRun, error) {
	var payload string
	err := a.db.QueryRow(`SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}

	run, err := proto.RunFromJSON([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to parse archived run %s: %w", id, err)
	}
	return run, nil
}

// List returns summaries of the most recent runs, newest first.
func (a *Archive) List(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.Query(`
		SELECT id, requirement, app_type, status, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var summaries []RunSummary
	for rows.Next() {
		var s RunSummary
		var status string
		if err := rows.Scan(&s.ID, &s.Requirement, &s.AppType, &status, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		s.Status = proto.RunStatus(status)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}
	return summaries, nil
}
