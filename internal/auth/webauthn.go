package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/session"
	"github.com/andyleap/skyid/internal/storage"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

const ceremonyTTL = 5 * time.Minute

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// WebAuthnService is the login step of the session provider: users register
// and sign in with passkeys, and a successful login starts a session.
type WebAuthnService struct {
	webauthn       *webauthn.WebAuthn
	userStorage    storage.UserStorage
	sessionStorage storage.SessionStorage
	sessions       *session.Provider
}

func NewWebAuthnService(webauthn *webauthn.WebAuthn, userStorage storage.UserStorage, sessionStorage storage.SessionStorage, sessions *session.Provider) *WebAuthnService {
	return &WebAuthnService{
		webauthn:       webauthn,
		userStorage:    userStorage,
		sessionStorage: sessionStorage,
		sessions:       sessions,
	}
}

// loadOrNewUser returns the stored user, or a fresh one for a first registration.
// Adding a passkey to an existing account requires being signed in as it.
func (w *WebAuthnService) loadOrNewUser(r *http.Request, username, displayName string) (*models.User, error) {
	user, err := w.userStorage.GetUser(r.Context(), username)
	if errors.Is(err, storage.ErrNotFound) {
		if displayName == "" {
			displayName = username
		}
		now := time.Now()
		return &models.User{
			ID:          username,
			DisplayName: displayName,
			Credentials: []webauthn.Credential{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if len(user.Credentials) > 0 {
		current, err := w.sessions.CurrentUserID(r)
		if err != nil {
			return nil, err
		}
		if current != username {
			return nil, fmt.Errorf("user already exists - please authenticate first to add additional passkeys")
		}
	}

	return user, nil
}

func (w *WebAuthnService) BeginRegistration(r *http.Request, username, displayName string) (*protocol.CredentialCreation, error) {
	user, err := w.loadOrNewUser(r, username, displayName)
	if err != nil {
		return nil, err
	}

	options, sessionData, err := w.webauthn.BeginRegistration(
		user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyRequired(),
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			UserVerification:   protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	ceremony := &models.WebAuthnSession{
		Key:       "register:" + username,
		Data:      sessionData,
		ExpiresAt: time.Now().Add(ceremonyTTL),
	}

	if err := w.sessionStorage.SaveWebAuthnSession(r.Context(), ceremony.Key, ceremony); err != nil {
		return nil, fmt.Errorf("failed to save webauthn session: %w", err)
	}

	return options, nil
}

func (w *WebAuthnService) FinishRegistration(r *http.Request, username, displayName string) (*models.User, error) {
	key := "register:" + username
	ceremony, err := w.sessionStorage.GetWebAuthnSession(r.Context(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to get webauthn session: %w", err)
	}
	if ceremony == nil {
		return nil, fmt.Errorf("session not found")
	}

	user, err := w.loadOrNewUser(r, username, displayName)
	if err != nil {
		return nil, err
	}

	credential, err := w.webauthn.FinishRegistration(user, *ceremony.Data, r)
	if err != nil {
		return nil, fmt.Errorf("failed to finish registration: %w", err)
	}

	user.Credentials = append(user.Credentials, *credential)
	user.UpdatedAt = time.Now()

	if err := w.userStorage.SaveUser(r.Context(), user); err != nil {
		return nil, fmt.Errorf("failed to save user: %w", err)
	}

	if err := w.sessionStorage.DeleteWebAuthnSession(r.Context(), key); err != nil {
		return nil, fmt.Errorf("failed to delete webauthn session: %w", err)
	}

	return user, nil
}

// BeginDiscoverableLogin starts a username-less passkey login. The returned
// ceremony id must be echoed to FinishDiscoverableLogin.
func (w *WebAuthnService) BeginDiscoverableLogin(r *http.Request) (*protocol.CredentialAssertion, string, error) {
	ceremonyID, err := generateCeremonyID()
	if err != nil {
		return nil, "", err
	}

	options, sessionData, err := w.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin discoverable login: %w", err)
	}

	ceremony := &models.WebAuthnSession{
		Key:       "login:" + ceremonyID,
		Data:      sessionData,
		ExpiresAt: time.Now().Add(ceremonyTTL),
	}

	if err := w.sessionStorage.SaveWebAuthnSession(r.Context(), ceremony.Key, ceremony); err != nil {
		return nil, "", fmt.Errorf("failed to save webauthn session: %w", err)
	}

	return options, ceremonyID, nil
}

func (w *WebAuthnService) FinishDiscoverableLogin(r *http.Request, ceremonyID string) (*models.User, error) {
	key := "login:" + ceremonyID
	ceremony, err := w.sessionStorage.GetWebAuthnSession(r.Context(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to get webauthn session: %w", err)
	}
	if ceremony == nil {
		return nil, fmt.Errorf("session not found")
	}

	var foundUser *models.User
	_, err = w.webauthn.FinishDiscoverableLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
		user, err := w.userStorage.GetUser(r.Context(), string(userHandle))
		if err != nil {
			return nil, err
		}
		foundUser = user
		return user, nil
	}, *ceremony.Data, r)
	if err != nil {
		return nil, fmt.Errorf("failed to finish discoverable login: %w", err)
	}

	if foundUser == nil {
		return nil, fmt.Errorf("user not found during discoverable login")
	}

	if err := w.sessionStorage.DeleteWebAuthnSession(r.Context(), key); err != nil {
		return nil, fmt.Errorf("failed to delete webauthn session: %w", err)
	}

	return foundUser, nil
}

func (ws *WebAuthnService) RegisterBeginHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if !usernamePattern.MatchString(username) {
		http.Error(w, "valid username required", http.StatusBadRequest)
		return
	}

	options, err := ws.BeginRegistration(r, username, r.URL.Query().Get("display_name"))
	if err != nil {
		slog.Warn("Registration begin failed", "username", username, "error", err)
		http.Error(w, fmt.Sprintf("registration begin failed: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (ws *WebAuthnService) RegisterFinishHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if !usernamePattern.MatchString(username) {
		http.Error(w, "valid username required", http.StatusBadRequest)
		return
	}

	user, err := ws.FinishRegistration(r, username, r.URL.Query().Get("display_name"))
	if err != nil {
		slog.Warn("Registration finish failed", "username", username, "error", err)
		http.Error(w, fmt.Sprintf("registration finish failed: %v", err), http.StatusBadRequest)
		return
	}

	slog.Info("Passkey registered", "user_id", user.ID, "credentials", len(user.Credentials))
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (ws *WebAuthnService) LoginBeginHandler(w http.ResponseWriter, r *http.Request) {
	options, ceremonyID, err := ws.BeginDiscoverableLogin(r)
	if err != nil {
		slog.Error("Login begin failed", "error", err)
		http.Error(w, "login begin failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"publicKey": options.Response,
		"sessionId": ceremonyID,
	})
}

// LoginFinishHandler completes the passkey login, starts a session and tells
// the page where to continue, normally the interrupted authorization request.
func (ws *WebAuthnService) LoginFinishHandler(w http.ResponseWriter, r *http.Request) {
	ceremonyID := r.URL.Query().Get("sessionId")
	if ceremonyID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	user, err := ws.FinishDiscoverableLogin(r, ceremonyID)
	if err != nil {
		slog.Warn("Login finish failed", "error", err)
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	sess, err := ws.sessions.Start(r.Context(), w, user)
	if err != nil {
		slog.Error("Failed to start session", "user_id", user.ID, "error", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	slog.Info("User logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "authenticated",
		"sessionId": sess.ID,
		"next":      session.SafeNext(r.URL.Query().Get("next"), "/"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func generateCeremonyID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate ceremony id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
