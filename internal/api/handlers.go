package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andyleap/skyid/internal/oauth"
	"github.com/andyleap/skyid/internal/session"
)

type Server struct {
	issuer   *oauth.TokenIssuer
	sessions *session.Provider
}

func NewServer(issuer *oauth.TokenIssuer, sessions *session.Provider) *Server {
	return &Server{
		issuer:   issuer,
		sessions: sessions,
	}
}

// ValidateTokenHandler reports the owner of a bearer access token.
// GET /api/v1/validate
func (s *Server) ValidateTokenHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	stored, err := s.issuer.Validate(r.Context(), token)
	if err != nil {
		oerr := oauth.AsError(err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="skyid", error="`+oerr.Code+`"`)
		writeOAuthError(w, oerr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"user_id":    stored.OwnerID,
		"client_id":  stored.ClientID,
		"expires_at": stored.ExpiresAt,
	})
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(w, r); err != nil {
		slog.Error("Logout failed", "error", err)
		http.Error(w, "failed to delete session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeOAuthError(w http.ResponseWriter, oerr *oauth.Error) {
	response := map[string]string{
		"error": oerr.Code,
	}
	if oerr.Description != "" {
		response["error_description"] = oerr.Description
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, oerr.Status, response)
}
