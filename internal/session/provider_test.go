package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/storage"
)

func TestSafeNext(t *testing.T) {
	tests := []struct {
		next string
		want string
	}{
		{next: "/oauth/authorize?client_id=abc&state=x", want: "/oauth/authorize?client_id=abc&state=x"},
		{next: "/", want: "/"},
		{next: "", want: "/fallback"},
		{next: "https://evil.example/", want: "/fallback"},
		{next: "//evil.example/path", want: "/fallback"},
		{next: `/\evil.example`, want: "/fallback"},
		{next: "javascript:alert(1)", want: "/fallback"},
		{next: "relative/path", want: "/fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.next, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeNext(tt.next, "/fallback"))
		})
	}
}

func TestLoginURL(t *testing.T) {
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	p := NewProvider(store, "/login", 0, false)
	r := httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=abc&state=x%20y", nil)

	loginURL, err := url.Parse(p.LoginURL(r))
	require.NoError(t, err)
	assert.Equal(t, "/login", loginURL.Path)
	assert.Equal(t, "/oauth/authorize?client_id=abc&state=x%20y", loginURL.Query().Get("next"))
}

func TestSessionLifecycle(t *testing.T) {
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	p := NewProvider(store, "/login", time.Hour, true)

	anonymous := httptest.NewRequest(http.MethodGet, "/", nil)
	userID, err := p.CurrentUserID(anonymous)
	require.NoError(t, err)
	assert.Empty(t, userID)

	rec := httptest.NewRecorder()
	sess, err := p.Start(context.Background(), rec, &models.User{ID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, CookieName, cookie.Name)
	assert.Equal(t, sess.ID, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	withCookie := httptest.NewRequest(http.MethodGet, "/", nil)
	withCookie.AddCookie(cookie)
	userID, err = p.CurrentUserID(withCookie)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	withHeader := httptest.NewRequest(http.MethodGet, "/", nil)
	withHeader.Header.Set(HeaderName, sess.ID)
	userID, err = p.CurrentUserID(withHeader)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	require.NoError(t, p.End(httptest.NewRecorder(), withCookie))
	userID, err = p.CurrentUserID(withCookie)
	require.NoError(t, err)
	assert.Empty(t, userID)
}
