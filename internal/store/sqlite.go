// Package store persists whiteboard session records in SQLite.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
)

// SQLiteStore implements the persistence repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS whiteboard_sessions (
			session_id TEXT PRIMARY KEY,
			current_state TEXT NOT NULL DEFAULT '',
			thumbnail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_whiteboard_sessions_updated ON whiteboard_sessions(updated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrapf(err, "migration failed\n%s", m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReadSessionRecord returns the stored record of a session, or nil when
// none exists.
func (s *SQLiteStore) ReadSessionRecord(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, current_state, thumbnail, updated_at FROM whiteboard_sessions WHERE session_id = ?`,
		sessionID).Scan(&rec.SessionID, &rec.CurrentState, &rec.Thumbnail, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read session %s", sessionID)
	}
	return &rec, nil
}

// WriteSessionRecord inserts or replaces the record of a session.
func (s *SQLiteStore) WriteSessionRecord(ctx context.Context, rec domain.SessionRecord) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO whiteboard_sessions (session_id, current_state, thumbnail, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			current_state = excluded.current_state,
			thumbnail = excluded.thumbnail,
			updated_at = excluded.updated_at`,
		rec.SessionID, rec.CurrentState, rec.Thumbnail, updatedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "write session %s", rec.SessionID)
	}
	return nil
}
