// Package identity works out which chat session a request belongs to.
//
// A device is anonymous: it is known only by a random id kept in a cookie.
// Each browser tab sends its own tab id, so two tabs of one device hold two
// independent sessions with their own history and team configuration.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CookieName carries the device id.
	CookieName = "squad_anon_id"
	// SessionHeader carries the tab id on API requests.
	SessionHeader = "X-Squad-Session-ID"
	// SessionQueryParam carries the tab id where headers cannot be set
	// (the WebSocket handshake).
	SessionQueryParam = "session_id"
	// DefaultSessionID is used when a request names no usable tab id.
	DefaultSessionID = "default"

	deviceIDPrefix = "anon_"
	cookieMaxAge   = 30 * 24 * time.Hour
)

var (
	deviceIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity names one chat session: a device and one of its tabs.
type Identity struct {
	UserID    string
	SessionID string
}

// Tracker is told about every identified request before it is served.
// session.Manager implements it by opening the tab's session and recording
// its activity, which keeps the idle sweeper away from tabs in use.
type Tracker interface {
	Track(ctx context.Context, userID, sessionID string) error
}

type contextKey struct{}

// FromContext returns the identity stored by Middleware or WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// WithIdentity returns a context carrying the given session. An unusable tab
// id falls back to DefaultSessionID.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, contextKey{}, Identity{UserID: userID, SessionID: normalizeTabID(sessionID)})
}

// Middleware resolves the device and tab of each request, reports them to
// tracker and stores them in the request context.
func Middleware(tracker Tracker, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := deviceID(w, r, !isDev)
			if err != nil {
				slog.Error("Failed to assign device id", "error", err, "ip", IPFromRequest(r))
				writeError(w, "failed to establish anonymous identity")
				return
			}
			tabID := normalizeTabID(tabIDFromRequest(r))

			if tracker != nil {
				if err := tracker.Track(r.Context(), userID, tabID); err != nil {
					slog.Error("Failed to open chat session", "user_id", userID, "session_id", tabID, "error", err)
					writeError(w, "failed to open chat session")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, tabID)))
		})
	}
}

// IPFromRequest returns the remote IP without its port.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newDeviceID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return deviceIDPrefix + strings.ReplaceAll(u.String(), "-", ""), nil
}

// deviceID returns the caller's device id, issuing a new one when the cookie
// is absent or malformed. The cookie is re-sent on every request so an
// active device never expires.
func deviceID(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	var id string
	if c, err := r.Cookie(CookieName); err == nil && deviceIDPattern.MatchString(c.Value) {
		id = c.Value
	} else {
		if id, err = newDeviceID(); err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return id, nil
}

func tabIDFromRequest(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(SessionQueryParam)
}

func normalizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if !tabIDPattern.MatchString(id) {
		return DefaultSessionID
	}
	return id
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}
