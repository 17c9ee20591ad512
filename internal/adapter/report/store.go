// Package report persists per-attempt results for downstream reporting.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"authflow/internal/domain"
)

// SQLiteStore implements domain.ResultStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate results db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS attempts (
			id                     TEXT PRIMARY KEY,
			provider               TEXT NOT NULL,
			status                 TEXT NOT NULL,
			final_phase            TEXT NOT NULL DEFAULT '',
			actions_in_final_phase INTEGER NOT NULL DEFAULT 0,
			reason                 TEXT NOT NULL DEFAULT '',
			history                TEXT NOT NULL DEFAULT '[]',
			started_at             TEXT NOT NULL,
			finished_at            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_provider ON attempts (provider, started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts one attempt result. Attempt IDs are unique per run, so a
// duplicate insert is a caller bug and surfaces as a constraint error.
func (s *SQLiteStore) Save(ctx context.Context, result domain.AttemptResult) error {
	history, err := json.Marshal(result.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts
			(id, provider, status, final_phase, actions_in_final_phase, reason, history, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.Provider, string(result.Status), string(result.FinalPhase),
		result.ActionsInFinalPhase, result.Reason, string(history),
		result.StartedAt.UTC().Format(time.RFC3339Nano),
		result.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// Get returns one attempt by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.AttemptResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, status, final_phase, actions_in_final_phase, reason, history, started_at, finished_at
		FROM attempts WHERE id = ?`, id)
	result, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewDomainError("get attempt", domain.ErrResultNotFound, id)
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return result, nil
}

// List returns the most recent attempts, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]domain.AttemptResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, status, final_phase, actions_in_final_phase, reason, history, started_at, finished_at
		FROM attempts ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var results []domain.AttemptResult
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("list attempts: %w", err)
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.AttemptResult, error) {
	var r domain.AttemptResult
	var status, finalPhase, history, startedAt, finishedAt string
	if err := row.Scan(&r.ID, &r.Provider, &status, &finalPhase,
		&r.ActionsInFinalPhase, &r.Reason, &history, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.Status = domain.AttemptStatus(status)
	r.FinalPhase = domain.Phase(finalPhase)
	if err := json.Unmarshal([]byte(history), &r.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	var err error
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &r, nil
}

// Compile-time interface check.
var _ domain.ResultStore = (*SQLiteStore)(nil)
