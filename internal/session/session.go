// Package session owns per-tab chat state: the message history, the uploaded
// team configuration and the lock that serializes chat turns.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentic-squad/internal/chat"
	"github.com/ashureev/agentic-squad/internal/history"
	"github.com/ashureev/agentic-squad/internal/store"
	"github.com/ashureev/agentic-squad/internal/teamconfig"
)

// Session is the explicit state of one user's tab.
type Session struct {
	UserID  string
	ID      string
	History *history.History

	mu     sync.Mutex
	config *teamconfig.Handle

	turn sync.Mutex
}

// Config returns the attached team configuration, or nil.
func (s *Session) Config() *teamconfig.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *Session) swapConfig(h *teamconfig.Handle) *teamconfig.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.config
	s.config = h
	return prev
}

// TryBeginTurn reserves the session for one chat turn. It returns false while
// another turn is still being consumed.
func (s *Session) TryBeginTurn() bool {
	return s.turn.TryLock()
}

// EndTurn releases a reservation taken by TryBeginTurn.
func (s *Session) EndTurn() {
	s.turn.Unlock()
}

// Turn builds the orchestrator input for message.
func (s *Session) Turn(message, channel, requestID string) chat.Turn {
	return chat.Turn{
		UserID:    s.UserID,
		SessionID: s.ID,
		Message:   message,
		History:   s.History,
		Config:    s.Config(),
		RequestID: requestID,
		Channel:   channel,
	}
}

type sessionKey struct {
	userID    string
	sessionID string
}

// CloseCallback is called after a session has been closed.
type CloseCallback func(userID, sessionID string)

// Manager tracks live sessions and the config artifacts they own.
type Manager struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session

	repo    store.Repository
	configs *teamconfig.Store
	logger  *slog.Logger
	onClose []CloseCallback
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, configs *teamconfig.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[sessionKey]*Session),
		repo:     repo,
		configs:  configs,
		logger:   logger,
	}
}

// OnClose registers fn to run whenever a session is closed.
func (m *Manager) OnClose(fn CloseCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// Get returns the session for userID and sessionID, creating it if needed.
// A new session is recorded right away so the sweeper can find it.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) *Session {
	s, created := m.open(userID, sessionID)
	if created {
		m.Touch(ctx, s)
	}
	return s
}

// Track opens the session and records activity for it. It is called once per
// identified request.
func (m *Manager) Track(ctx context.Context, userID, sessionID string) error {
	s, _ := m.open(userID, sessionID)
	if err := m.repo.TouchSession(ctx, s.UserID, s.ID, time.Now()); err != nil {
		return fmt.Errorf("record session activity: %w", err)
	}
	return nil
}

func (m *Manager) open(userID, sessionID string) (*Session, bool) {
	key := sessionKey{userID: userID, sessionID: sessionID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, false
	}
	s := &Session{UserID: userID, ID: sessionID, History: history.New()}
	m.sessions[key] = s
	m.logger.Info("Session created", "user_id", userID, "session_id", sessionID)
	return s, true
}

// Touch records activity for a session without creating it.
func (m *Manager) Touch(ctx context.Context, s *Session) {
	if err := m.repo.TouchSession(ctx, s.UserID, s.ID, time.Now()); err != nil {
		m.logger.Warn("Failed to record session activity", "user_id", s.UserID, "session_id", s.ID, "error", err)
	}
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(userID, sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{userID: userID, sessionID: sessionID}]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AttachConfig makes h the session's team configuration and releases the
// artifact it replaces.
func (m *Manager) AttachConfig(ctx context.Context, s *Session, h *teamconfig.Handle) error {
	if err := m.repo.SetSessionConfig(ctx, s.UserID, s.ID, h.Path, h.ParticipantCount); err != nil {
		if relErr := m.configs.Release(h); relErr != nil {
			m.logger.Warn("Failed to release unrecorded team config", "file", h.FileName(), "error", relErr)
		}
		return fmt.Errorf("record team config: %w", err)
	}

	prev := s.swapConfig(h)
	if prev != nil {
		if err := m.configs.Release(prev); err != nil {
			m.logger.Warn("Failed to release replaced team config", "file", prev.FileName(), "error", err)
		}
	}

	m.logger.Info("Team config attached",
		"user_id", s.UserID,
		"session_id", s.ID,
		"file", h.FileName(),
		"participants", h.ParticipantCount,
		"replaced", prev != nil,
	)
	return nil
}

// ReleaseConfig detaches and deletes the session's team configuration. It is
// a no-op when none is attached.
func (m *Manager) ReleaseConfig(ctx context.Context, s *Session) error {
	prev := s.swapConfig(nil)
	if prev == nil {
		return nil
	}
	if err := m.configs.Release(prev); err != nil {
		return err
	}
	if err := m.repo.SetSessionConfig(ctx, s.UserID, s.ID, "", 0); err != nil {
		m.logger.Warn("Failed to clear session config record", "user_id", s.UserID, "session_id", s.ID, "error", err)
	}
	return nil
}

// Close ends a session: its config artifact is released, its history dropped
// and its bookkeeping row removed. Closing an unknown session still removes
// any artifact recorded for it.
func (m *Manager) Close(ctx context.Context, userID, sessionID string) error {
	key := sessionKey{userID: userID, sessionID: sessionID}

	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	callbacks := append([]CloseCallback(nil), m.onClose...)
	m.mu.Unlock()

	if ok {
		if err := m.configs.Release(s.swapConfig(nil)); err != nil {
			m.logger.Warn("Failed to release team config on close", "user_id", userID, "session_id", sessionID, "error", err)
		}
		s.History.Clear()
	} else if rec, err := m.repo.GetSession(ctx, userID, sessionID); err == nil && rec != nil && rec.HasConfig() {
		if err := m.configs.ReleasePath(rec.ConfigPath); err != nil {
			m.logger.Warn("Failed to release recorded team config", "user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	for _, fn := range callbacks {
		fn(userID, sessionID)
	}

	if err := m.repo.DeleteSession(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("delete session %s/%s: %w", userID, sessionID, err)
	}
	m.logger.Info("Session closed", "user_id", userID, "session_id", sessionID)
	return nil
}

// CloseAll closes every live session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]sessionKey, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := m.Close(ctx, k.userID, k.sessionID); err != nil {
			m.logger.Warn("Failed to close session", "user_id", k.userID, "session_id", k.sessionID, "error", err)
		}
	}
}

// Recover releases artifacts left behind by a previous process: every
// recorded session is dropped and stray files in the config directory are
// purged. It returns the number of files removed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	paths, err := m.repo.ResetSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset sessions: %w", err)
	}
	for _, path := range paths {
		if err := m.configs.ReleasePath(path); err != nil {
			m.logger.Warn("Skipping recorded team config", "path", path, "error", err)
		}
	}
	return m.configs.Purge()
}
