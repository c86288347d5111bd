package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentic-squad/internal/domain"
	"github.com/ashureev/agentic-squad/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // Serializes session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// modernc applies each _pragma on every new connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		config_path TEXT,
		participant_count INTEGER DEFAULT 0,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TouchSession creates the session row if needed and updates last_seen_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, userID, sessionID string, lastSeen time.Time) error {
	query := `
	INSERT INTO sessions (user_id, session_id, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	return s.withRetry(ctx, "touch session", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, sessionID, lastSeen.Unix(), now, now)
		return err
	})
}

// SetSessionConfig records the config artifact a session owns.
func (s *SQLiteStore) SetSessionConfig(ctx context.Context, userID, sessionID, configPath string, participants int) error {
	query := `
	INSERT INTO sessions (user_id, session_id, config_path, participant_count, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		config_path = excluded.config_path,
		participant_count = excluded.participant_count,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	var path interface{}
	if configPath != "" {
		path = configPath
	}

	now := time.Now().Unix()
	return s.withRetry(ctx, "set session config", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, sessionID, path, participants, now, now, now)
		return err
	})
}

// GetSession retrieves one session record.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT user_id, session_id, config_path, participant_count,
		       last_seen_at, created_at, updated_at
		FROM sessions WHERE user_id = ? AND session_id = ?`

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// GetExpiredSessions retrieves sessions idle for longer than ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionRecord, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT user_id, session_id, config_path, participant_count,
		       last_seen_at, created_at, updated_at
		FROM sessions WHERE last_seen_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		sessions = append(sessions, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return s.withRetry(ctx, "delete session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		return err
	})
}

// ResetSessions removes every session record left by a previous process and
// returns the config artifacts they still referenced.
func (s *SQLiteStore) ResetSessions(ctx context.Context) ([]string, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT config_path FROM sessions WHERE config_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query session artifacts: %w", err)
	}
	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan session artifact: %w", err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate session artifacts: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close session artifact rows: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return nil, fmt.Errorf("reset sessions: %w", err)
	}
	return paths, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs a session write with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.sessionMu.Lock()
		err = fn()
		s.sessionMu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Session write hit SQLITE_BUSY, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var configPath sql.NullString
	var lastSeen, createdAt, updatedAt int64

	if err := row.Scan(
		&rec.UserID, &rec.SessionID, &configPath, &rec.ParticipantCount,
		&lastSeen, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	rec.ConfigPath = configPath.String
	rec.LastSeenAt = time.Unix(lastSeen, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}
