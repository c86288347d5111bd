package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/agentic-squad/internal/chat"
	"github.com/ashureev/agentic-squad/internal/identity"
	"github.com/ashureev/agentic-squad/internal/session"
	"github.com/coder/websocket"
)

// Inbound and outbound event types on the chat socket.
const (
	TypeUserResponse = "user_response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeClear        = "clear"
	TypeCleared      = "cleared"
	TypeReady        = "ready"
	TypeTurnComplete = "turn_complete"
	TypeError        = "error"
)

const errTurnInProgress = "a chat turn is already in progress for this session"

// WebSocketHandler serves chat sessions over a WebSocket. Each connection
// gets its own Shim: the read loop pushes user messages into it and a single
// turn loop receives them and streams the orchestrator's output back.
type WebSocketHandler struct {
	sessions      *session.Manager
	orchestrator  *chat.Orchestrator
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions *session.Manager, orchestrator *chat.Orchestrator, registry *Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		sessions:      sessions,
		orchestrator:  orchestrator,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, sessionID := id.UserID, id.SessionID
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.registry.Register(userID, sessionID, ws)
	defer h.registry.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.sessions.Get(ctx, userID, sessionID)

	shim := NewShim(wsSink(ws), 1)
	defer shim.Close()
	if err := shim.Open(); err != nil {
		return
	}

	ready := Event{Type: TypeReady}
	if cfg := sess.Config(); cfg != nil {
		ready.Text = cfg.FileName()
	}
	if err := shim.Send(ctx, ready); err != nil {
		slog.Debug("Failed to send ready", "error", err, "user_id", userID)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Read loop: socket -> shim.
	go func() {
		defer wg.Done()
		defer cancel()
		defer shim.Close()
		h.readLoop(ctx, ws, shim, sess)
	}()

	// Turn loop: shim -> orchestrator -> socket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.turnLoop(ctx, shim, sess)
	}()

	wg.Wait()
	slog.Info("Chat socket session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, shim *Shim, sess *session.Session) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", sess.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", sess.UserID)
			}
			return
		}

		msg := decodeFrame(data)

		switch msg.Type {
		case TypeUserResponse:
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			if err := shim.Push(ctx, msg); err != nil {
				return
			}
		case TypePing:
			if err := shim.Send(ctx, Event{Type: TypePong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case TypeClear:
			sess.History.Clear()
			if err := shim.Send(ctx, Event{Type: TypeCleared}); err != nil {
				slog.Debug("Failed to send cleared acknowledgment", "error", err)
			}
		default:
			if err := shim.Send(ctx, Event{Type: TypeError, Text: "unknown message type: " + msg.Type}); err != nil {
				slog.Debug("Failed to send error", "error", err)
			}
		}

		go h.sessions.Touch(context.WithoutCancel(ctx), sess)
	}
}

func (h *WebSocketHandler) turnLoop(ctx context.Context, shim *Shim, sess *session.Session) {
	for {
		in, err := shim.Receive(ctx)
		if err != nil {
			return
		}
		if err := h.runTurn(ctx, shim, sess, in.Text); err != nil {
			if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
				slog.Warn("Chat socket send failed", "error", err, "user_id", sess.UserID)
			}
			return
		}
	}
}

func (h *WebSocketHandler) runTurn(ctx context.Context, shim *Shim, sess *session.Session, text string) error {
	if !sess.TryBeginTurn() {
		return shim.Send(ctx, Event{Type: TypeError, Text: errTurnInProgress})
	}
	defer sess.EndTurn()

	dedup := chat.NewDeduplicator()
	for msg := range h.orchestrator.Stream(ctx, sess.Turn(text, "chat_ws", "")) {
		if !dedup.Admit(msg) {
			continue
		}
		if err := shim.Send(ctx, Event{Type: string(msg.Kind), Text: msg.Text(), Sender: msg.Sender}); err != nil {
			return err
		}
	}
	return shim.Send(ctx, Event{Type: TypeTurnComplete})
}

// decodeFrame reads one inbound frame. An Event object is taken as is; a JSON
// string or any other text is a chat message.
func decodeFrame(data []byte) Event {
	var msg Event
	if err := json.Unmarshal(data, &msg); err == nil {
		return msg
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return Event{Type: TypeUserResponse, Text: text}
	}
	return Event{Type: TypeUserResponse, Text: string(data)}
}

// wsSink writes events as JSON text frames.
func wsSink(ws *websocket.Conn) Sink {
	return SinkFunc(func(ctx context.Context, e Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return ws.Write(ctx, websocket.MessageText, data)
	})
}
