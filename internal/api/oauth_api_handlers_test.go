package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/oauth"
	"github.com/andyleap/skyid/internal/session"
	"github.com/andyleap/skyid/internal/storage"
	"github.com/andyleap/skyid/internal/ui"
)

type testServer struct {
	*httptest.Server
	store    *storage.MemoryStorage
	registry *oauth.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	registry := oauth.NewRegistry(store)
	codes, err := oauth.NewCodeStore(store, 0)
	require.NoError(t, err)
	consent := oauth.NewConsentFlow(registry, codes)
	issuer := oauth.NewTokenIssuer(registry, codes, store, 0)
	sessions := session.NewProvider(store, "/login", time.Hour, false)

	uiHandlers, err := ui.NewOAuthUIHandlers(consent, sessions)
	require.NoError(t, err)
	apiHandlers := NewOAuthAPIHandlers(registry, issuer, sessions)
	server := NewServer(issuer, sessions)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/authorize", uiHandlers.AuthorizeHandler)
	mux.HandleFunc("POST /oauth/authorize", uiHandlers.DecisionHandler)
	mux.HandleFunc("POST /oauth/token", apiHandlers.TokenHandler)
	mux.HandleFunc("POST /oauth/revoke", apiHandlers.RevokeHandler)
	mux.HandleFunc("POST /api/v1/clients", apiHandlers.CreateClientHandler)
	mux.HandleFunc("GET /api/v1/clients", apiHandlers.ListClientsHandler)
	mux.HandleFunc("GET /api/v1/validate", server.ValidateTokenHandler)
	mux.HandleFunc("GET /login", uiHandlers.LoginHandler)

	ts := httptest.NewServer(LoggingMiddleware(CORSMiddleware(mux)))
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, store: store, registry: registry}
}

// login stores a session for userID and returns its cookie.
func (ts *testServer) login(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	sess := &models.Session{
		ID:        "session-" + userID,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, ts.store.SaveSession(context.Background(), sess))
	return &http.Cookie{Name: session.CookieName, Value: sess.ID}
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// authorize walks the consent screen as userID and returns the redirect
// the client receives.
func (ts *testServer) authorize(t *testing.T, authURL string, cookie *http.Cookie, decision string) *url.URL {
	t.Helper()
	client := noRedirectClient()

	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	form := url.Values{"decision": {decision}}
	req, err = http.NewRequest(http.MethodPost, authURL, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return location
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)

	client, err := ts.registry.Register(ctx, "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	conf := &oauth2.Config{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		RedirectURL:  client.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/oauth/authorize",
			TokenURL:  ts.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	verifier := oauth2.GenerateVerifier()

	location := ts.authorize(t, conf.AuthCodeURL("xyz", oauth2.S256ChallengeOption(verifier)), ts.login(t, "7"), "approve")
	assert.Equal(t, "ex.com", location.Host)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "7", tok.Extra("user_id"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, time.Minute)

	// The token validates.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/validate", nil)
	require.NoError(t, err)
	tok.SetAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var validated map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&validated))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7", validated["user_id"])

	// The same code cannot be exchanged twice.
	_, err = conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	var retrieveErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &retrieveErr), "expected RetrieveError, got %v", err)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
	assert.Equal(t, http.StatusBadRequest, retrieveErr.Response.StatusCode)
}

func TestAuthorizeDenied(t *testing.T) {
	ts := newTestServer(t)
	client, err := ts.registry.Register(context.Background(), "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	authURL := ts.URL + "/oauth/authorize?" + url.Values{
		"client_id":     {client.ID},
		"response_type": {"code"},
		"state":         {"abc"},
	}.Encode()

	location := ts.authorize(t, authURL, ts.login(t, "7"), "deny")
	assert.Equal(t, "access_denied", location.Query().Get("error"))
	assert.Equal(t, "abc", location.Query().Get("state"))
	assert.Empty(t, location.Query().Get("code"))
}

func TestAuthorizeRequiresLogin(t *testing.T) {
	ts := newTestServer(t)
	client, err := ts.registry.Register(context.Background(), "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	path := "/oauth/authorize?client_id=" + client.ID + "&state=abc"
	resp, err := noRedirectClient().Get(ts.URL + path)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", location.Path)
	assert.Equal(t, path, location.Query().Get("next"))
}

func TestAuthorizeRejectsForeignRedirect(t *testing.T) {
	ts := newTestServer(t)
	client, err := ts.registry.Register(context.Background(), "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	authURL := ts.URL + "/oauth/authorize?" + url.Values{
		"client_id":    {client.ID},
		"redirect_uri": {"https://evil.example/cb"},
	}.Encode()
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	req.AddCookie(ts.login(t, "7"))

	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestAuthorizeUnsupportedResponseTypeNotRedirected(t *testing.T) {
	ts := newTestServer(t)
	client, err := ts.registry.Register(context.Background(), "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	authURL := ts.URL + "/oauth/authorize?" + url.Values{
		"client_id":     {client.ID},
		"response_type": {"token"},
		"state":         {"xyz"},
	}.Encode()
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	req.AddCookie(ts.login(t, "7"))

	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	assert.Contains(t, string(body), "response_type must be")
}

func postToken(t *testing.T, ts *testServer, form url.Values, basicID, basicSecret string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicID != "" {
		req.SetBasicAuth(url.QueryEscape(basicID), url.QueryEscape(basicSecret))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestTokenEndpointErrors(t *testing.T) {
	ts := newTestServer(t)
	client, err := ts.registry.Register(context.Background(), "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	t.Run("password grant", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type":    {"password"},
			"client_id":     {client.ID},
			"client_secret": {client.Secret},
		}, "", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "unsupported_grant_type", body["error"])
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	})

	t.Run("missing code", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {client.ID},
			"client_secret": {client.Secret},
		}, "", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_request", body["error"])
	})

	t.Run("bad secret over basic auth", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type": {"authorization_code"},
			"code":       {"whatever"},
		}, client.ID, "wrong")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_client", body["error"])
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
	})

	t.Run("unknown code", func(t *testing.T) {
		resp, body := postToken(t, ts, url.Values{
			"grant_type": {"authorization_code"},
			"code":       {"whatever"},
		}, client.ID, client.Secret)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_grant", body["error"])
	})
}

func TestClientsAPI(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t, "alice")

	resp, err := http.Post(ts.URL+"/api/v1/clients", "application/json",
		strings.NewReader(`{"display_name":"Demo","redirect_uri":"https://ex.com/cb"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/clients",
		strings.NewReader(`{"display_name":"Demo","redirect_uri":"https://ex.com/cb"}`))
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var created clientResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, created.ClientID)
	assert.NotEmpty(t, created.ClientSecret)
	assert.Contains(t, created.AuthorizeURL, created.ClientID)

	req, err = http.NewRequest(http.MethodPost, ts.URL+"/api/v1/clients",
		strings.NewReader(`{"display_name":"Bad","redirect_uri":"not a url"}`))
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/clients", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var listed []clientResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed, 1)
	assert.Equal(t, created.ClientID, listed[0].ClientID)
}

func TestRevokeEndpoint(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	client, err := ts.registry.Register(ctx, "owner-1", "Demo", "https://ex.com/cb")
	require.NoError(t, err)

	authURL := ts.URL + "/oauth/authorize?client_id=" + client.ID
	code := ts.authorize(t, authURL, ts.login(t, "7"), "approve").Query().Get("code")

	_, body := postToken(t, ts, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	}, client.ID, client.Secret)
	accessToken, _ := body["access_token"].(string)
	require.NotEmpty(t, accessToken)

	form := url.Values{"token": {accessToken}, "client_id": {client.ID}, "client_secret": {client.Secret}}
	resp, err := http.PostForm(ts.URL+"/oauth/revoke", form)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/validate", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}
