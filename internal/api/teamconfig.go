package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/ashureev/agentic-squad/internal/teamconfig"
)

// UploadConfig handles POST /api/config. The document is taken from the
// multipart field "file" or, for any other content type, the raw body. The
// config cannot be replaced while a turn is running.
func (h *Handler) UploadConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	data, err := h.readConfigBody(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	if !beginTurn(w, sess) {
		return
	}
	defer sess.EndTurn()

	handle, err := h.configs.Submit(data)
	if err != nil {
		writeConfigError(w, err)
		return
	}

	if err := h.sessions.AttachConfig(r.Context(), sess, handle); err != nil {
		slog.Error("Failed to attach team config", "user_id", sess.UserID, "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store team configuration")
		return
	}

	JSON(w, http.StatusOK, configSummary(handle, fmt.Sprintf("Configuration loaded with %d participants", handle.ParticipantCount)))
}

// GetConfig handles GET /api/config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	handle := sess.Config()
	if handle == nil {
		Error(w, http.StatusNotFound, "no team configuration loaded")
		return
	}
	JSON(w, http.StatusOK, configSummary(handle, ""))
}

// DeleteConfig handles DELETE /api/config. Deleting when nothing is loaded
// succeeds; deleting while a turn runs is refused.
func (h *Handler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if !beginTurn(w, sess) {
		return
	}
	defer sess.EndTurn()

	if err := h.sessions.ReleaseConfig(r.Context(), sess); err != nil {
		slog.Error("Failed to release team config", "user_id", sess.UserID, "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to release team configuration")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ValidateConfig handles POST /api/config/validate. Nothing is stored.
func (h *Handler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	data, err := h.readConfigBody(w, r)
	if err != nil {
		JSON(w, http.StatusOK, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	participants, err := teamconfig.Validate(data)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]interface{}{
			"status":            "valid",
			"message":           "Team configuration is valid",
			"participant_count": len(participants),
		})
	case errors.Is(err, teamconfig.ErrSchemaViolation), errors.Is(err, teamconfig.ErrInvalidJSON):
		JSON(w, http.StatusOK, map[string]string{
			"status": "invalid",
			"error":  err.Error(),
			"field":  teamconfig.FieldOf(err),
		})
	default:
		JSON(w, http.StatusOK, map[string]string{"status": "error", "error": err.Error()})
	}
}

func (h *Handler) readConfigBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		return io.ReadAll(r.Body)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("read upload field %q: %w", "file", err)
	}
	defer func() { _ = file.Close() }()
	return io.ReadAll(file)
}

func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		Error(w, http.StatusRequestEntityTooLarge, "team configuration too large")
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}

func writeConfigError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, teamconfig.ErrInvalidJSON), errors.Is(err, teamconfig.ErrSchemaViolation):
		JSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
			"field": teamconfig.FieldOf(err),
		})
	default:
		slog.Error("Failed to save team config", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save team configuration")
	}
}

func configSummary(h *teamconfig.Handle, message string) map[string]interface{} {
	out := map[string]interface{}{
		"id":                h.ID,
		"file":              h.FileName(),
		"participant_count": h.ParticipantCount,
		"participants":      h.Participants,
		"created_at":        h.CreatedAt,
	}
	if message != "" {
		out["message"] = message
	}
	return out
}
