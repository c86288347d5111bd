//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentic-squad/internal/chat"
	"github.com/ashureev/agentic-squad/internal/config"
	"github.com/ashureev/agentic-squad/internal/identity"
	"github.com/ashureev/agentic-squad/internal/runner"
	"github.com/ashureev/agentic-squad/internal/session"
	"github.com/ashureev/agentic-squad/internal/store"
	"github.com/ashureev/agentic-squad/internal/teamconfig"
	"github.com/go-chi/chi/v5"
)

const (
	testUser    = "anon_0123456789abcdef0123456789abcdef"
	testSession = "tab-1"
	validTeam   = `{"config":{"participants":[{"provider":"autogen.AssistantAgent","config":{"name":"A"}}]}}`
)

type apiFixture struct {
	router   http.Handler
	repo     store.Repository
	configs  *teamconfig.Store
	sessions *session.Manager
	cfg      *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		MaxUploadBytes: 1 << 20,
		HistoryPreview: 10,
		Runner:         config.RunnerConfig{Timeout: time.Second},
		RateLimit:      config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
	}
}

func newAPIFixture(t *testing.T, cfg *config.Config, r runner.TeamRunner) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "squad.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	configs, err := teamconfig.NewStore(filepath.Join(dir, "teams"), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	sessions := session.NewManager(repo, configs, nil)
	orch := chat.NewOrchestrator(r, cfg.Runner.Timeout, nil, nil)

	h := NewHandler(sessions, configs, orch, cfg)
	t.Cleanup(h.Close)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Anonymous") != "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), testUser, testSession)))
		})
	})
	h.RegisterRoutes(router)

	return &apiFixture{router: router, repo: repo, configs: configs, sessions: sessions, cfg: cfg}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) session() *session.Session {
	return f.sessions.Get(context.Background(), testUser, testSession)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestUnauthorized(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig(), runner.EchoRunner{})
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.Header.Set("X-Anonymous", "1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestUploadConfig(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig(), runner.EchoRunner{})

	rec := f.do(t, http.MethodPost, "/api/config", "application/json", []byte(validTeam))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["participant_count"] != float64(1) {
		t.Errorf("expected participant_count 1, got %v", got["participant_count"])
	}
	participants, _ := got["participants"].([]interface{})
	if len(participants) != 1 {
		t.Fatalf("expected one participant summary, got %v", got["participants"])
	}
	if p := participants[0].(map[string]interface{}); p["name"] != "A" || p["provider"] != "AssistantAgent" {
		t.Errorf("unexpected participant summary %v", p)
	}

	cfg := f.session().Config()
	if cfg == nil {
		t.Fatal("expected config to be attached to the session")
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		t.Errorf("expected artifact on disk: %v", err)
	}
}

func TestUploadConfigRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"empty object", `{}`, "config"},
		{"empty participants", `{"config":{"participants":[]}}`, "config.participants"},
		{"not json", `{not json`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newAPIFixture(t, testConfig(), runner.EchoRunner{})

			rec := f.do(t, http.MethodPost, "/api/config", "application/json", []byte(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			got := decodeBody(t, rec)
			if got["field"] != tt.wantField {
				t.Errorf("expected field %q, got %v", tt.wantField, got["field"])
			}
			if f.session().Config() != nil {
				t.Error("no config may be attached after a rejection")
			}
			matches, _ := filepath.Glob(filepath.Join(f.configs.Dir(), "*"))
			if len(matches) != 0 {
				t.Errorf("expected no artifacts, found %v", matches)
			}
		})
	}
}

func TestUploadConfigMultipart(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig(), runner.EchoRunner{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "team.json")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	_, _ = part.Write([]byte(validTeam))
	_ = mw.Close()

	rec := f.do(t, http.MethodPost, "/api/config", mw.FormDataContentType(), buf.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUploadConfigTooLarge(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxUploadBytes = 16
	f := newAPIFixture(t, cfg, runner.EchoRunner{})

	rec := f.do(t, http.MethodPost, "/api/config", "application/json", []byte(validTeam))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestGetAndDeleteConfig(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig(), runner.EchoRunner{})

	if rec := f.do(t, http.MethodGet, "/api/config", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before upload, got %d", rec.Code)
	}

	f.do(t, http.MethodPost, "/api/config", "application/json", []byte(validTeam))
	path := f.session().Config().Path

	if rec := f.do(t, http.MethodGet, "/api/config", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after upload, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodDelete, "/api/config", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("delete #%d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected artifact to be removed, stat err = %v", err)
	}
	if rec := f.do(t, http.MethodGet, "/api/config", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig(), runner.EchoRunner{})

	tests := map[string]string{
		validTeam:                         "valid",
		`{"config":{}}`:                   "invalid",
		`[1, 2`:                           "invalid",
		`{"config":{"participants":"x"}}`: "invalid",
	}
	for body, want := range tests {
		rec := f.do(t, http.MethodPost, "/api/config/validate", "application/json", []byte(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", body, rec.Code)
		}
		if got := decodeBody(t, rec)["status"]; got != want {
			t.Errorf("%s: expected status %q, got %v", body, want, got)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(f.configs.Dir(), "*"))
	if len(matches) != 0 {
		t.Errorf("validation must not write artifacts, found %v", matches)
	}
}
