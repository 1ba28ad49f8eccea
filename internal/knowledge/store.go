// Package knowledge records durable lessons learned from task failures
// and serves them back, by tag, as context for recovery decisions.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrUnavailable indicates the store could not serve a read or write.
// Callers degrade gracefully: the lesson is simply not recorded.
var ErrUnavailable = errors.New("knowledge store unavailable")

// TagErrorPattern is attached to every lesson derived from a failure.
const TagErrorPattern = "error_pattern"

// Entry is one durable lesson.
type Entry struct {
	ID         string    `json:"id"`
	Category   string    `json:"category"`
	Context    string    `json:"context"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags"`
	Importance int       `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the knowledge store contract.
type Store interface {
	// Query returns up to limit entries carrying any of tags, most
	// important first.
	Query(ctx context.Context, tags []string, limit int) ([]Entry, error)
	// Append persists one entry.
	Append(ctx context.Context, entry Entry) error
}

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// DefaultPath returns the user-level knowledge database path.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "autopilot", "knowledge.db")
}

// Open opens (creating if needed) and migrates the store at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: conn, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge_schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM knowledge_schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Entries},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("INSERT INTO knowledge_schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const migrationV1Entries = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	importance INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_importance ON entries(importance DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS entry_tags (
	entry_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (entry_id, tag),
	FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_entry_tags_tag ON entry_tags(tag);
`

// Append inserts an entry and its tags in one transaction. Missing ids
// and timestamps are filled in.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("append entry: empty content")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (id, category, context, content, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Category, e.Context, e.Content, e.Importance, formatTime(e.CreatedAt)); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: insert entry: %v", ErrUnavailable, err)
	}
	for _, tag := range normalizeTags(e.Tags) {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entry_tags (entry_id, tag) VALUES (?, ?)", e.ID, tag); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: insert tag: %v", ErrUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

// Query returns entries carrying any of tags. No tags means all entries.
func (s *SQLiteStore) Query(ctx context.Context, tags []string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	tags = normalizeTags(tags)

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, category, context, content, importance, created_at FROM entries`
	args := make([]any, 0, len(tags)+1)
	if len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		query += ` WHERE id IN (SELECT entry_id FROM entry_tags WHERE tag IN (` + placeholders + `))`
		for _, t := range tags {
			args = append(args, t)
		}
	}
	query += ` ORDER BY importance DESC, created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Category, &e.Context, &e.Content, &e.Importance, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for i := range entries {
		if entries[i].Tags, err = s.tagsLocked(ctx, entries[i].ID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteStore) tagsLocked(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM entry_tags WHERE entry_id = ? ORDER BY tag", id)
	if err != nil {
		return nil, fmt.Errorf("%w: tags: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("%w: scan tag: %v", ErrUnavailable, err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// normalizeTags lowercases, trims, dedupes and sorts tags.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
