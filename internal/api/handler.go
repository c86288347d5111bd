// Package api provides HTTP handlers for the squad API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/agentic-squad/internal/chat"
	"github.com/ashureev/agentic-squad/internal/config"
	"github.com/ashureev/agentic-squad/internal/identity"
	"github.com/ashureev/agentic-squad/internal/session"
	"github.com/ashureev/agentic-squad/internal/teamconfig"
)

// Handler provides the session-scoped chat endpoints.
type Handler struct {
	sessions     *session.Manager
	configs      *teamconfig.Store
	orchestrator *chat.Orchestrator
	limiter      *RateLimiter
	cfg          *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions *session.Manager, configs *teamconfig.Store, orchestrator *chat.Orchestrator, cfg *config.Config) *Handler {
	return &Handler{
		sessions:     sessions,
		configs:      configs,
		orchestrator: orchestrator,
		limiter:      NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:          cfg,
	}
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// session resolves the caller's session, writing a 401 when the request
// carries no identity.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return h.sessions.Get(r.Context(), id.UserID, id.SessionID), true
}

// beginTurn reserves sess for one operation that reads or replaces its team
// configuration. It writes a 409 when another one is still running.
func beginTurn(w http.ResponseWriter, sess *session.Session) bool {
	if !sess.TryBeginTurn() {
		Error(w, http.StatusConflict, "a chat turn is already in progress for this session")
		return false
	}
	return true
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
