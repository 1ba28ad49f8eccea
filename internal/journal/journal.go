// Package journal keeps an append-only SQLite record of runs, the issues
// raised during them and the recovery decisions taken in response.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ShayCichocki/autopilot/internal/progress"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// ErrNotFound indicates an unknown run or decision.
var ErrNotFound = errors.New("journal record not found")

// Run is one journaled run.
type Run struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	TaskCount  int               `json:"task_count"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Metrics    *progress.Metrics `json:"metrics,omitempty"`
}

// SQLiteJournal is the journal backed by a local SQLite file.
type SQLiteJournal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultPath returns the project-local journal path under stateDir.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "journal.db")
}

// Open opens (creating if needed) and migrates the journal at path.
func Open(path string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	j := &SQLiteJournal{db: db, path: path}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// Path returns the path to the database file.
func (j *SQLiteJournal) Path() string {
	return j.path
}

func (j *SQLiteJournal) migrate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
		{2, migrationV2Audit},
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'running',
	task_count INTEGER NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	metrics TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
`

const migrationV2Audit = `
CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	category TEXT NOT NULL,
	description TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	reporter TEXT NOT NULL DEFAULT '',
	durable_lesson INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_issues_run ON issues(run_id, created_at);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	issue_id TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	chosen TEXT NOT NULL,
	alternatives TEXT NOT NULL DEFAULT '',
	confidence INTEGER NOT NULL,
	reversible INTEGER NOT NULL,
	reasoning TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id, created_at);
`

// RecordRun inserts a run in the running state.
func (j *SQLiteJournal) RecordRun(ctx context.Context, runID string, startedAt time.Time, taskCount int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (id, state, task_count, started_at) VALUES (?, 'running', ?, ?)
	`, runID, taskCount, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordIssue appends an issue raised during runID.
func (j *SQLiteJournal) RecordIssue(ctx context.Context, runID string, is *models.Issue) error {
	if is == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO issues (id, run_id, task_id, severity, category, description, context, reporter, durable_lesson, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, is.ID, runID, is.TaskID, string(is.Severity), string(is.Category), is.Description,
		is.Context, is.Reporter, is.DurableLesson, is.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

// RecordDecision appends a decision. Its outcome may be updated later.
func (j *SQLiteJournal) RecordDecision(ctx context.Context, d *models.Decision) error {
	if d == nil {
		return nil
	}
	alts := make([]string, len(d.Alternatives))
	for i, a := range d.Alternatives {
		alts[i] = string(a)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO decisions (id, run_id, task_id, issue_id, context, chosen, alternatives, confidence, reversible, reasoning, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.RunID, d.TaskID, d.IssueID, d.Context, string(d.Chosen), strings.Join(alts, ","),
		d.Confidence, d.Reversible, d.Reasoning, d.Outcome, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// UpdateOutcome fills in a decision's outcome. Outcome is the only
// mutable column of a decision.
func (j *SQLiteJournal) UpdateOutcome(ctx context.Context, decisionID, outcome string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.ExecContext(ctx, `UPDATE decisions SET outcome = ? WHERE id = ?`, outcome, decisionID)
	if err != nil {
		return fmt.Errorf("update outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: decision %s", ErrNotFound, decisionID)
	}
	return nil
}

// FinishRun records a run's final state and metrics.
func (j *SQLiteJournal) FinishRun(ctx context.Context, runID, state string, finishedAt time.Time, m *progress.Metrics) error {
	var blob sql.NullString
	if m != nil {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		blob = sql.NullString{String: string(data), Valid: true}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, finished_at = ?, metrics = ? WHERE id = ?
	`, state, finishedAt.UTC(), blob, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// Run returns one journaled run.
func (j *SQLiteJournal) Run(ctx context.Context, runID string) (*Run, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	row := j.db.QueryRowContext(ctx, `
		SELECT id, state, task_count, started_at, finished_at, metrics FROM runs WHERE id = ?
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return r, err
}

// Runs returns the most recent runs, newest first.
func (j *SQLiteJournal) Runs(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, state, task_count, started_at, finished_at, metrics
		FROM runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r        Run
		finished sql.NullTime
		metrics  sql.NullString
	)
	if err := s.Scan(&r.ID, &r.State, &r.TaskCount, &r.StartedAt, &finished, &metrics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if metrics.Valid && metrics.String != "" {
		var m progress.Metrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return nil, fmt.Errorf("decode metrics for run %s: %w", r.ID, err)
		}
		r.Metrics = &m
	}
	return &r, nil
}

// Issues returns the issues raised during a run, oldest first.
func (j *SQLiteJournal) Issues(ctx context.Context, runID string) ([]models.Issue, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, task_id, severity, category, description, context, reporter, durable_lesson, created_at
		FROM issues WHERE run_id = ? ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var out []models.Issue
	for rows.Next() {
		var (
			is       models.Issue
			severity string
			category string
		)
		if err := rows.Scan(&is.ID, &is.TaskID, &severity, &category, &is.Description,
			&is.Context, &is.Reporter, &is.DurableLesson, &is.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		is.Severity = models.Severity(severity)
		is.Category = models.IssueCategory(category)
		out = append(out, is)
	}
	return out, rows.Err()
}

// Decisions returns the decisions taken during a run, oldest first.
func (j *SQLiteJournal) Decisions(ctx context.Context, runID string) ([]models.Decision, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, issue_id, context, chosen, alternatives, confidence, reversible, reasoning, outcome, created_at
		FROM decisions WHERE run_id = ? ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		var (
			d      models.Decision
			chosen string
			alts   string
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.TaskID, &d.IssueID, &d.Context, &chosen, &alts,
			&d.Confidence, &d.Reversible, &d.Reasoning, &d.Outcome, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Chosen = models.Strategy(chosen)
		if alts != "" {
			for _, a := range strings.Split(alts, ",") {
				d.Alternatives = append(d.Alternatives, models.Strategy(a))
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
