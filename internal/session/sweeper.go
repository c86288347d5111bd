package session

import (
	"context"
	"log/slog"
	"time"
)

// StartSweeper runs a background goroutine that periodically closes sessions
// idle for longer than ttl, releasing their team configs.
func StartSweeper(ctx context.Context, m *Manager, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, m, ttl)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, m *Manager, ttl time.Duration) int {
	expired, err := m.repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("Session sweeper failed to get expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("Session sweeper found expired sessions", "count", len(expired))

	closed := 0
	now := time.Now()
	for _, rec := range expired {
		// The turn lock stays held until Close returns so no turn can start
		// against a config that is being released.
		s, live := m.Lookup(rec.UserID, rec.SessionID)
		if live && !s.TryBeginTurn() {
			slog.Debug("Session sweeper skipping busy session", "user_id", rec.UserID, "session_id", rec.SessionID)
			continue
		}

		slog.Info("Session sweeper closing session",
			"user_id", rec.UserID,
			"session_id", rec.SessionID,
			"idle", rec.IdleFor(now).Round(time.Second),
			"has_config", rec.HasConfig(),
		)
		err := m.Close(ctx, rec.UserID, rec.SessionID)
		if live {
			s.EndTurn()
		}
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("Session sweeper interrupted", "error", err)
				return closed
			}
			slog.Warn("Session sweeper failed to close session", "user_id", rec.UserID, "session_id", rec.SessionID, "error", err)
			continue
		}
		closed++
	}

	slog.Info("Session sweeper cleanup completed", "closed", closed)
	return closed
}
