package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/agentic-squad/internal/chat"
	"github.com/ashureev/agentic-squad/internal/domain"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const maxChatBodySize = 64 << 10

// streamMessage is the SSE payload: the message plus its readable text.
type streamMessage struct {
	domain.ChatMessage
	Text string `json:"text"`
}

// ChatRequest is the body of the chat endpoints.
type ChatRequest struct {
	Message string `json:"message"`
}

// RegisterRoutes registers the session-scoped routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/config", h.UploadConfig)
		r.Get("/config", h.GetConfig)
		r.Delete("/config", h.DeleteConfig)
		r.Post("/config/validate", h.ValidateConfig)
		r.Post("/chat", h.Chat)
		r.Post("/chat/process", h.Process)
		r.Get("/history", h.GetHistory)
		r.Delete("/history", h.ClearHistory)
	})
}

// Chat handles POST /api/chat and streams the turn as server-sent events.
// Each event is named after the message kind; a final "done" event closes
// the stream.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	// Limited per user, not per session.
	if !h.limiter.Allow(sess.UserID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if !beginTurn(w, sess) {
		return
	}
	defer sess.EndTurn()

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Chat request",
		"user_id", sess.UserID,
		"session_id", sess.ID,
		"request_id", reqID,
		"message_length", len(req.Message),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	dedup := chat.NewDeduplicator()
	for msg := range h.orchestrator.Stream(r.Context(), sess.Turn(req.Message, "chat_http", reqID)) {
		if !dedup.Admit(msg) {
			continue
		}
		data, err := json.Marshal(streamMessage{ChatMessage: msg, Text: msg.Text()})
		if err != nil {
			slog.Warn("failed to marshal chat message", "error", err)
			continue
		}
		if err := writeSSE(w, string(msg.Kind), string(data)); err != nil {
			slog.Warn("failed to write SSE event", "error", err, "user_id", sess.UserID)
			return
		}
		flusher.Flush()
	}

	if err := writeSSE(w, "done", "{}"); err != nil {
		slog.Debug("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

// Process handles POST /api/chat/process: the team's answers are collected
// and returned at once, without touching the session history. Like Chat it
// holds the session's turn, so the config file cannot be released mid-run.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if !h.limiter.Allow(sess.UserID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	if !beginTurn(w, sess) {
		return
	}
	defer sess.EndTurn()

	messages, err := h.orchestrator.Process(r.Context(), sess.Config(), req.Message)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, chat.ErrNoConfig):
			status = http.StatusBadRequest
		case errors.Is(err, chat.ErrRunnerTimeout):
			status = http.StatusGatewayTimeout
		}
		JSON(w, status, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"status": "success", "messages": messages})
}

// GetHistory handles GET /api/history?limit=n.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	limit := h.cfg.HistoryPreview
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := sess.History.Recent(limit)
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": entries,
		"total":    sess.History.Len(),
	})
}

// ClearHistory handles DELETE /api/history.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.History.Clear()
	slog.Info("Chat history cleared", "user_id", sess.UserID, "session_id", sess.ID)
	JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return req, err
		}
		if errors.Is(err, io.EOF) {
			return req, errors.New("request body is required")
		}
		return req, errors.New("invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, errors.New("message is required")
	}
	return req, nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
