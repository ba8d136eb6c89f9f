package storage

import (
	"context"
	"errors"
	"time"

	"github.com/andyleap/skyid/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrGrantUnavailable covers unknown, expired and wrong-client redemptions.
	ErrGrantUnavailable = errors.New("authorization grant unavailable")
	ErrGrantConsumed    = errors.New("authorization grant already consumed")
)

type UserStorage interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
}

type ClientStorage interface {
	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
	ListClients(ctx context.Context, ownerID string) ([]*models.Client, error)
}

// GrantStorage persists authorization grants. RedeemGrant must check
// existence, expiry, consumption and client binding and flip Consumed in one
// atomic step; a failed redemption leaves the grant untouched.
type GrantStorage interface {
	CreateGrant(ctx context.Context, grant *models.AuthorizationGrant) error
	GetGrant(ctx context.Context, code string) (*models.AuthorizationGrant, error)
	RedeemGrant(ctx context.Context, code, clientID string, now time.Time) (*models.AuthorizationGrant, error)
	DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error)
}

type TokenStorage interface {
	SaveToken(ctx context.Context, token *models.AccessToken) error
	GetToken(ctx context.Context, token string) (*models.AccessToken, error)
	DeleteToken(ctx context.Context, token string) error
}

type SessionStorage interface {
	SaveWebAuthnSession(ctx context.Context, key string, session *models.WebAuthnSession) error
	GetWebAuthnSession(ctx context.Context, key string) (*models.WebAuthnSession, error)
	DeleteWebAuthnSession(ctx context.Context, key string) error

	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// StateStorage holds the short-lived protocol state: grants and tokens.
type StateStorage interface {
	GrantStorage
	TokenStorage
}
