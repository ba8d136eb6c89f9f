package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/oauth"
	"github.com/andyleap/skyid/internal/session"
)

type OAuthAPIHandlers struct {
	registry *oauth.Registry
	issuer   *oauth.TokenIssuer
	sessions *session.Provider
}

func NewOAuthAPIHandlers(registry *oauth.Registry, issuer *oauth.TokenIssuer, sessions *session.Provider) *OAuthAPIHandlers {
	return &OAuthAPIHandlers{
		registry: registry,
		issuer:   issuer,
		sessions: sessions,
	}
}

// clientCredentials prefers HTTP Basic and falls back to form fields.
func clientCredentials(r *http.Request) (id, secret string, basic bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		id, errID := url.QueryUnescape(user)
		secret, errSecret := url.QueryUnescape(pass)
		if errID == nil && errSecret == nil {
			return id, secret, true
		}
		return user, pass, true
	}
	return strings.TrimSpace(r.PostForm.Get("client_id")), r.PostForm.Get("client_secret"), false
}

// TokenHandler exchanges an authorization code for an access token.
// POST /oauth/token
func (oh *OAuthAPIHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &oauth.Error{
			Code:        oauth.CodeInvalidRequest,
			Description: "unable to parse request body",
			Status:      http.StatusBadRequest,
			Err:         oauth.ErrMalformedRequest,
		})
		return
	}

	clientID, clientSecret, basic := clientCredentials(r)

	resp, err := oh.issuer.Exchange(r.Context(), oauth.TokenRequest{
		GrantType:    strings.TrimSpace(r.PostForm.Get("grant_type")),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         strings.TrimSpace(r.PostForm.Get("code")),
		RedirectURI:  strings.TrimSpace(r.PostForm.Get("redirect_uri")),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	})
	if err != nil {
		oerr := oauth.AsError(err)
		if oerr.Status == http.StatusUnauthorized {
			scheme := "Bearer"
			if basic {
				scheme = "Basic"
			}
			w.Header().Set("WWW-Authenticate", scheme+` realm="skyid", error="`+oerr.Code+`"`)
		}
		slog.Info("Token request denied", "client_id", clientID, "error", oerr.Code)
		writeOAuthError(w, oerr)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// RevokeHandler revokes an access token held by the calling client.
// POST /oauth/revoke
func (oh *OAuthAPIHandlers) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "unable to parse request body", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, _ := clientCredentials(r)
	if err := oh.issuer.Revoke(r.Context(), clientID, clientSecret, r.PostForm.Get("token")); err != nil {
		writeOAuthError(w, oauth.AsError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type clientResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	DisplayName  string `json:"display_name"`
	RedirectURI  string `json:"redirect_uri"`
	AuthorizeURL string `json:"authorize_url"`
}

func newClientResponse(client *models.Client) clientResponse {
	return clientResponse{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		DisplayName:  client.DisplayName,
		RedirectURI:  client.RedirectURI,
		AuthorizeURL: "/oauth/authorize?" + url.Values{
			"client_id":     {client.ID},
			"response_type": {oauth.ResponseTypeCode},
		}.Encode(),
	}
}

// CreateClientHandler registers a client owned by the signed-in user.
// POST /api/v1/clients
func (oh *OAuthAPIHandlers) CreateClientHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := oh.requireUser(w, r)
	if !ok {
		return
	}

	var request struct {
		DisplayName string `json:"display_name"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	client, err := oh.registry.Register(r.Context(), userID, request.DisplayName, request.RedirectURI)
	if err != nil {
		oerr := oauth.AsError(err)
		if oerr.Status >= http.StatusInternalServerError {
			slog.Error("Client registration failed", "owner_id", userID, "error", err)
		}
		writeOAuthError(w, oerr)
		return
	}

	writeJSON(w, http.StatusCreated, newClientResponse(client))
}

// ListClientsHandler lists the signed-in user's clients.
// GET /api/v1/clients
func (oh *OAuthAPIHandlers) ListClientsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := oh.requireUser(w, r)
	if !ok {
		return
	}

	clients, err := oh.registry.ListByOwner(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list clients", "owner_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := make([]clientResponse, 0, len(clients))
	for _, client := range clients {
		response = append(response, newClientResponse(client))
	}
	writeJSON(w, http.StatusOK, response)
}

func (oh *OAuthAPIHandlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := oh.sessions.CurrentUserID(r)
	if err != nil {
		slog.Error("Session lookup failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}
