// Package domain contains core domain types for the agentic squad server.
package domain

import (
	"time"
)

// SessionRecord is the bookkeeping row for one chat session and the team
// configuration artifact it currently owns.
type SessionRecord struct {
	UserID           string
	SessionID        string
	ConfigPath       string
	ParticipantCount int
	LastSeenAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasConfig returns true if the session owns a config artifact.
func (s *SessionRecord) HasConfig() bool {
	return s.ConfigPath != ""
}

// IdleFor returns how long the session has been inactive.
func (s *SessionRecord) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(s.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
