package ui

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/andyleap/skyid/internal/oauth"
	"github.com/andyleap/skyid/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

type OAuthUIHandlers struct {
	consent   *oauth.ConsentFlow
	sessions  *session.Provider
	templates *template.Template
}

func NewOAuthUIHandlers(consent *oauth.ConsentFlow, sessions *session.Provider) (*OAuthUIHandlers, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded templates: %w", err)
	}

	return &OAuthUIHandlers{
		consent:   consent,
		sessions:  sessions,
		templates: templates,
	}, nil
}

func (oh *OAuthUIHandlers) authorizeRequest(w http.ResponseWriter, r *http.Request) (oauth.AuthorizeRequest, bool) {
	userID, err := oh.sessions.CurrentUserID(r)
	if err != nil {
		slog.Error("Session lookup failed", "error", err)
		oh.renderErrorPage(w, http.StatusInternalServerError, "Server Error", "Please try again later.")
		return oauth.AuthorizeRequest{}, false
	}
	return oauth.AuthorizeRequestFromQuery(r.URL.Query(), userID), true
}

// AuthorizeHandler shows the consent screen, or sends anonymous users to
// login with this request as the place to come back to.
// GET /oauth/authorize?client_id=...&response_type=code&state=...
func (oh *OAuthUIHandlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := oh.authorizeRequest(w, r)
	if !ok {
		return
	}

	consent, err := oh.consent.Begin(r.Context(), req)
	if errors.Is(err, oauth.ErrUnauthenticatedUser) {
		http.Redirect(w, r, oh.sessions.LoginURL(r), http.StatusFound)
		return
	}
	if err != nil {
		oh.renderOAuthError(w, err)
		return
	}

	oh.renderAuthorizePage(w, r, consent)
}

// DecisionHandler applies the consent form and redirects to the client.
// POST /oauth/authorize?<original query>, form decision=approve|deny
func (oh *OAuthUIHandlers) DecisionHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := oh.authorizeRequest(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		oh.renderErrorPage(w, http.StatusBadRequest, "Invalid Request", "Unable to parse form")
		return
	}

	decision, err := oh.consent.Decide(r.Context(), req, r.PostForm.Get("decision") == "approve")
	if errors.Is(err, oauth.ErrUnauthenticatedUser) {
		http.Redirect(w, r, oh.sessions.LoginURL(r), http.StatusSeeOther)
		return
	}
	if err != nil {
		oh.renderOAuthError(w, err)
		return
	}

	slog.Info("Consent decided", "client_id", req.ClientID, "user_id", req.UserID, "state", decision.State)
	http.Redirect(w, r, decision.RedirectURL, http.StatusFound)
}

// LoginHandler renders the passkey login page.
// GET /login?next=/oauth/authorize?...
func (oh *OAuthUIHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Next string
	}{
		Next: session.SafeNext(r.URL.Query().Get("next"), "/"),
	}

	w.Header().Set("Content-Type", "text/html")
	if err := oh.templates.ExecuteTemplate(w, "login.html", data); err != nil {
		slog.Error("Failed to render login template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// RegisterHandler renders the passkey registration page.
func (oh *OAuthUIHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := oh.templates.ExecuteTemplate(w, "register.html", nil); err != nil {
		slog.Error("Failed to render register template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (oh *OAuthUIHandlers) renderAuthorizePage(w http.ResponseWriter, r *http.Request, consent *oauth.Consent) {
	data := struct {
		ClientName   string
		UserID       string
		Capabilities []string
		Action       string
	}{
		ClientName:   consent.Client.DisplayName,
		UserID:       consent.UserID,
		Capabilities: consent.Capabilities,
		Action:       r.URL.RequestURI(),
	}

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	if err := oh.templates.ExecuteTemplate(w, "authorize.html", data); err != nil {
		slog.Error("Failed to render authorize template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (oh *OAuthUIHandlers) renderOAuthError(w http.ResponseWriter, err error) {
	oerr := oauth.AsError(err)
	if oerr.Status >= http.StatusInternalServerError {
		slog.Error("Authorization request failed", "error", err)
		oh.renderErrorPage(w, oerr.Status, "Server Error", "Please try again later.")
		return
	}
	oh.renderErrorPage(w, oerr.Status, "Invalid Request", oerr.Description)
}

func (oh *OAuthUIHandlers) renderErrorPage(w http.ResponseWriter, status int, title, message string) {
	data := struct {
		Title   string
		Message string
	}{
		Title:   title,
		Message: message,
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	if err := oh.templates.ExecuteTemplate(w, "error.html", data); err != nil {
		slog.Error("Failed to render error template", "error", err)
	}
}

// RenderLandingPage renders the service landing page
func (oh *OAuthUIHandlers) RenderLandingPage(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/html")
	return oh.templates.ExecuteTemplate(w, "landing.html", nil)
}
