package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agentic-squad/internal/config"
	"github.com/ashureev/agentic-squad/internal/runner"
	"github.com/ashureev/agentic-squad/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	healthCheckTimeout = 2 * time.Second
	serviceName        = "agentic-squad"

	checkOK            = "ok"
	checkUnavailable   = "unavailable"
	checkNotConfigured = "not_configured"
)

// HealthHandler reports service status and the reachability of its
// collaborators.
type HealthHandler struct {
	repo   store.Repository
	runner runner.HealthChecker
	cfg    *config.Config
	client *http.Client
}

// NewHealthHandler creates a health handler. runnerHealth may be nil when
// the built-in echo runner is in use.
func NewHealthHandler(repo store.Repository, runnerHealth runner.HealthChecker, cfg *config.Config) *HealthHandler {
	return &HealthHandler{
		repo:   repo,
		runner: runnerHealth,
		cfg:    cfg,
		client: &http.Client{Timeout: healthCheckTimeout},
	}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health returns the status record. It always answers 200; degraded
// collaborators are reported in checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{
		"api":      checkOK,
		"database": checkOK,
		"runner":   checkNotConfigured,
		"designer": checkNotConfigured,
	}
	status := "healthy"

	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check: database unavailable", "error", err)
		checks["database"] = checkUnavailable
		status = "degraded"
	}

	runnerAvailable := false
	if h.cfg.RunnerEnabled() && h.runner != nil {
		if err := h.runner.Health(ctx); err != nil {
			slog.Warn("Health check: team runner unavailable", "addr", h.cfg.Runner.Addr, "error", err)
			checks["runner"] = checkUnavailable
			status = "degraded"
		} else {
			checks["runner"] = checkOK
			runnerAvailable = true
		}
	}

	if h.cfg.DesignerURL != "" {
		checks["designer"] = h.probeDesigner(ctx)
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"message":          "Agentic squad server is running",
		"status":           status,
		"service":          serviceName,
		"runner_available": runnerAvailable,
		"checks":           checks,
	})
}

// probeDesigner counts both 200 and 404 as reachable.
func (h *HealthHandler) probeDesigner(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.DesignerURL, nil)
	if err != nil {
		return checkUnavailable
	}
	resp, err := h.client.Do(req)
	if err != nil {
		slog.Debug("Health check: designer unreachable", "url", h.cfg.DesignerURL, "error", err)
		return checkUnavailable
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return checkOK
	}
	return checkUnavailable
}
