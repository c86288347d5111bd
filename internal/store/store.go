// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentic-squad/internal/domain"
)

// Repository persists the bookkeeping of chat sessions and the team
// configuration artifacts they own. Chat content is never stored.
type Repository interface {
	// TouchSession creates the session row if needed and updates last_seen_at.
	TouchSession(ctx context.Context, userID, sessionID string, lastSeen time.Time) error

	// SetSessionConfig records the config artifact a session owns. An empty
	// path clears it.
	SetSessionConfig(ctx context.Context, userID, sessionID, configPath string, participants int) error

	// GetSession retrieves one session record.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.SessionRecord, error)

	// GetExpiredSessions retrieves sessions idle for longer than ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.SessionRecord, error)

	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// ResetSessions removes every session record and returns the artifact
	// paths they still referenced.
	ResetSessions(ctx context.Context) ([]string, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
