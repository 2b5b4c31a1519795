// Package ledger keeps an append-only SQLite history of tool discovery
// attempts. It is diagnostic: the tool cache writes to it but never
// reads it back.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Outcome of a discovery attempt.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Attempt is one recorded discovery attempt.
type Attempt struct {
	ID         string    `json:"id"`
	Server     string    `json:"server"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	ToolCount  int       `json:"tool_count"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Store is the SQLite-backed attempt history. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the ledger database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS discovery_attempts (
		id          TEXT PRIMARY KEY,
		server      TEXT NOT NULL,
		command     TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		tool_count  INTEGER NOT NULL,
		error_kind  TEXT,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_discovery_started ON discovery_attempts(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an attempt. An empty ID gets a UUIDv7 and a zero
// FinishedAt becomes now.
func (s *Store) Record(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate attempt ID: %w", err)
		}
		a.ID = id.String()
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = a.FinishedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discovery_attempts
			(id, server, command, started_at, finished_at, outcome, tool_count, error_kind, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Server,
		a.Command,
		a.StartedAt.UTC().Format(timeFormat),
		a.FinishedAt.UTC().Format(timeFormat),
		a.Outcome,
		a.ToolCount,
		a.ErrorKind,
		a.Error,
	)
	if err != nil {
		return fmt.Errorf("insert discovery attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server, command, started_at, finished_at, outcome, tool_count,
		        COALESCE(error_kind, ''), COALESCE(error, '')
		 FROM discovery_attempts
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query discovery attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var started, finished string
		if err := rows.Scan(&a.ID, &a.Server, &a.Command, &started, &finished,
			&a.Outcome, &a.ToolCount, &a.ErrorKind, &a.Error); err != nil {
			return nil, fmt.Errorf("scan discovery attempt: %w", err)
		}
		a.StartedAt, _ = time.Parse(timeFormat, started)
		a.FinishedAt, _ = time.Parse(timeFormat, finished)
		out = append(out, a)
	}
	return out, rows.Err()
}
