package transport

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the active chat socket of each user session. A tab that
// reconnects replaces its previous socket.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Active returns the connection for a user and session.
func (r *Registry) Active(userID, sessionID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessions, ok := r.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// Register adds conn, closing any previous connection for the same session.
func (r *Registry) Register(userID, sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := r.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	r.active[userID][sessionID] = conn
	slog.Info("Chat socket registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the active connection.
func (r *Registry) Unregister(userID, sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessions, ok := r.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(r.active, userID)
			}
			slog.Info("Chat socket unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseSession closes the socket of one session. It matches the session
// manager's close callback.
func (r *Registry) CloseSession(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.active[userID]
	if !ok {
		return
	}
	conn, ok := sessions[sessionID]
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.active, userID)
	}
	slog.Info("Chat socket closed", "user_id", userID, "session_id", sessionID)
}

// CloseAll closes every registered socket.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, sessions := range r.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(r.active, userID)
	}
}
