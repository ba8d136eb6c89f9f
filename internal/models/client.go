package models

import (
	"time"
)

// Client represents a registered third-party application
type Client struct {
	ID          string    `json:"client_id" yaml:"client_id"`
	Secret      string    `json:"client_secret" yaml:"client_secret"`
	OwnerID     string    `json:"owner_id" yaml:"owner_id"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	RedirectURI string    `json:"redirect_uri" yaml:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// AuthorizationGrant is a single-use authorization code bound to a user and a client
type AuthorizationGrant struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	State               string    `json:"state,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// Expired reports whether the grant can no longer be redeemed at now.
func (g *AuthorizationGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// AccessToken is an opaque bearer credential minted from a redeemed grant
type AccessToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	OwnerID   string    `json:"owner_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiresIn returns the remaining lifetime in whole seconds, never negative.
func (t *AccessToken) ExpiresIn(now time.Time) int64 {
	secs := int64(t.ExpiresAt.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}
