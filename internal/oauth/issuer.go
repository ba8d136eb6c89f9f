package oauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/storage"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	TokenTypeBearer            = "Bearer"
	DefaultAccessTokenTTL      = time.Hour
)

// TokenRequest is the body of a token endpoint call.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// TokenResponse is the successful token endpoint answer.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

// TokenIssuer exchanges authorization codes for access tokens.
type TokenIssuer struct {
	registry *Registry
	codes    *CodeStore
	tokens   storage.TokenStorage
	ttl      time.Duration
	opts     options
}

func NewTokenIssuer(registry *Registry, codes *CodeStore, tokens storage.TokenStorage, ttl time.Duration, opts ...Option) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &TokenIssuer{
		registry: registry,
		codes:    codes,
		tokens:   tokens,
		ttl:      ttl,
		opts:     buildOptions(opts),
	}
}

// Exchange validates req in a fixed order and stops at the first failure:
// grant type, required fields, client credentials, then code redemption.
// Every returned error is an *Error.
func (t *TokenIssuer) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	resp, err := t.exchange(ctx, req)
	if err != nil {
		oerr := AsError(err)
		t.opts.metrics.ObserveTokenRequest(oerr.Code)
		if oerr.Status >= http.StatusInternalServerError {
			slog.Error("Token exchange failed", "client_id", req.ClientID, "error", oerr.Err)
		}
		return nil, oerr
	}
	t.opts.metrics.ObserveTokenRequest("ok")
	return resp, nil
}

func (t *TokenIssuer) exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != GrantTypeAuthorizationCode {
		return nil, newError(CodeUnsupportedGrantType, "only authorization_code is supported", http.StatusBadRequest, ErrUnsupportedGrantType)
	}

	if req.ClientID == "" || req.ClientSecret == "" || req.Code == "" {
		return nil, invalidRequest("client_id, client_secret and code are required")
	}

	client, err := t.registry.VerifyCredentials(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, ErrInvalidClientCredentials) {
			return nil, newError(CodeInvalidClient, "client authentication failed", http.StatusUnauthorized, err)
		}
		return nil, serverError(err)
	}

	grant, err := t.codes.Redeem(ctx, req.Code, client.ID, req.CodeVerifier)
	if err != nil {
		if errors.Is(err, ErrInvalidOrExpiredGrant) || errors.Is(err, ErrGrantAlreadyConsumed) {
			return nil, newError(CodeInvalidGrant, "authorization code is invalid or expired", http.StatusBadRequest, err)
		}
		return nil, serverError(err)
	}

	if req.RedirectURI != "" && req.RedirectURI != grant.RedirectURI {
		return nil, newError(CodeInvalidGrant, "redirect_uri does not match the authorization request", http.StatusBadRequest, ErrInvalidOrExpiredGrant)
	}

	token, err := t.mint(ctx, client.ID, grant.UserID)
	if err != nil {
		return nil, serverError(err)
	}

	slog.Info("Access token issued", "client_id", client.ID, "user_id", grant.UserID)

	return &TokenResponse{
		AccessToken: token.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   token.ExpiresIn(t.opts.now()),
		UserID:      token.OwnerID,
	}, nil
}

func (t *TokenIssuer) mint(ctx context.Context, clientID, userID string) (*models.AccessToken, error) {
	value, err := randomToken(32)
	if err != nil {
		return nil, err
	}

	now := t.opts.now()
	token := &models.AccessToken{
		Token:     value,
		ClientID:  clientID,
		OwnerID:   userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(t.ttl),
	}

	if err := t.tokens.SaveToken(ctx, token); err != nil {
		return nil, err
	}

	return token, nil
}

// Validate returns the stored token if it exists and has not expired.
func (t *TokenIssuer) Validate(ctx context.Context, token string) (*models.AccessToken, error) {
	if token == "" {
		return nil, newError(CodeInvalidToken, "access token is required", http.StatusUnauthorized, ErrMalformedRequest)
	}

	stored, err := t.tokens.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(CodeInvalidToken, "access token is invalid or expired", http.StatusUnauthorized, err)
		}
		return nil, serverError(err)
	}
	if !t.opts.now().Before(stored.ExpiresAt) {
		return nil, newError(CodeInvalidToken, "access token is invalid or expired", http.StatusUnauthorized, storage.ErrNotFound)
	}

	return stored, nil
}

// Revoke deletes a token on behalf of the client it was issued to. Unknown
// tokens and tokens of other clients are ignored, so the response never
// reveals whether a token exists.
func (t *TokenIssuer) Revoke(ctx context.Context, clientID, clientSecret, token string) error {
	if clientID == "" || clientSecret == "" || token == "" {
		return invalidRequest("client_id, client_secret and token are required")
	}

	client, err := t.registry.VerifyCredentials(ctx, clientID, clientSecret)
	if err != nil {
		if errors.Is(err, ErrInvalidClientCredentials) {
			return newError(CodeInvalidClient, "client authentication failed", http.StatusUnauthorized, err)
		}
		return serverError(err)
	}

	stored, err := t.tokens.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return serverError(err)
	}
	if stored.ClientID != client.ID {
		return nil
	}

	if err := t.tokens.DeleteToken(ctx, token); err != nil {
		return serverError(err)
	}

	slog.Info("Access token revoked", "client_id", client.ID, "user_id", stored.OwnerID)
	return nil
}
