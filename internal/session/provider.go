package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/storage"
)

const (
	CookieName = "session_id"
	HeaderName = "X-Session-ID"
	DefaultTTL = 24 * time.Hour
)

// Provider answers "who is making this request" from the session cookie and
// sends anonymous users to the login page with a way back.
type Provider struct {
	sessions     storage.SessionStorage
	loginPath    string
	ttl          time.Duration
	secureCookie bool
}

func NewProvider(sessions storage.SessionStorage, loginPath string, ttl time.Duration, secureCookie bool) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		sessions:     sessions,
		loginPath:    loginPath,
		ttl:          ttl,
		secureCookie: secureCookie,
	}
}

func sessionID(r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get(HeaderName)
}

// Current returns the live session for r, or nil when there is none.
func (p *Provider) Current(r *http.Request) (*models.Session, error) {
	id := sessionID(r)
	if id == "" {
		return nil, nil
	}

	session, err := p.sessions.GetSession(r.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil || !session.ExpiresAt.After(time.Now()) {
		return nil, nil
	}

	return session, nil
}

// CurrentUserID returns the authenticated user id or "".
func (p *Provider) CurrentUserID(r *http.Request) (string, error) {
	session, err := p.Current(r)
	if err != nil || session == nil {
		return "", err
	}
	return session.UserID, nil
}

// LoginURL points at the login page and carries r's target as "next" so the
// original request can be replayed after authentication.
func (p *Provider) LoginURL(r *http.Request) string {
	return p.loginPath + "?" + url.Values{"next": {r.URL.RequestURI()}}.Encode()
}

// Start creates a session for user and sets the session cookie.
func (p *Provider) Start(ctx context.Context, w http.ResponseWriter, user *models.User) (*models.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &models.Session{
		ID:          id,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.ttl),
	}

	if err := p.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// SameSite=Lax keeps cross-site form posts (e.g. a forged consent
	// approval) from carrying the session.
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   p.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	return session, nil
}

// End deletes the current session, if any, and clears the cookie.
func (p *Provider) End(w http.ResponseWriter, r *http.Request) error {
	id := sessionID(r)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	if id == "" {
		return nil
	}
	if err := p.sessions.DeleteSession(r.Context(), id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SafeNext returns next if it is a local path, otherwise fallback.
func SafeNext(next, fallback string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, `/\`) {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" {
		return fallback
	}
	return next
}

func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
