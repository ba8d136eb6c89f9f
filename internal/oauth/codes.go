package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/storage"
)

const (
	DefaultCodeTTL = 10 * time.Minute
	MinCodeTTL     = time.Minute
	MaxCodeTTL     = 10 * time.Minute
)

// CodeStore issues and redeems single-use authorization codes.
type CodeStore struct {
	grants storage.GrantStorage
	ttl    time.Duration
	opts   options
}

func NewCodeStore(grants storage.GrantStorage, ttl time.Duration, opts ...Option) (*CodeStore, error) {
	if ttl == 0 {
		ttl = DefaultCodeTTL
	}
	if ttl < MinCodeTTL || ttl > MaxCodeTTL {
		return nil, fmt.Errorf("authorization code TTL %s outside [%s, %s]", ttl, MinCodeTTL, MaxCodeTTL)
	}

	return &CodeStore{
		grants: grants,
		ttl:    ttl,
		opts:   buildOptions(opts),
	}, nil
}

// IssueParams describes the grant to create. RedirectURI is stored verbatim.
type IssueParams struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Issue creates and stores a fresh, unconsumed grant.
func (s *CodeStore) Issue(ctx context.Context, p IssueParams) (*models.AuthorizationGrant, error) {
	if p.ClientID == "" || p.UserID == "" || p.RedirectURI == "" {
		return nil, fmt.Errorf("client, user and redirect_uri are required: %w", ErrMalformedRequest)
	}
	if p.CodeChallenge != "" && p.CodeChallengeMethod == "" {
		p.CodeChallengeMethod = PKCEMethodPlain
	}

	code, err := randomToken(32)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	grant := &models.AuthorizationGrant{
		Code:                code,
		ClientID:            p.ClientID,
		UserID:              p.UserID,
		RedirectURI:         p.RedirectURI,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.ttl),
	}

	if err := s.grants.CreateGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to save authorization grant: %w", err)
	}

	s.opts.metrics.IncrementGrantsIssued()

	return grant, nil
}

// Redeem consumes the grant for code if it exists, has not expired, has not
// been consumed and was issued to clientID. A failed redemption is final and
// must not be retried. When the grant carries a PKCE challenge the verifier
// is checked after consumption, so a wrong verifier burns the code.
func (s *CodeStore) Redeem(ctx context.Context, code, clientID, codeVerifier string) (*models.AuthorizationGrant, error) {
	if code == "" || clientID == "" {
		s.opts.metrics.ObserveRedemption("rejected")
		return nil, ErrInvalidOrExpiredGrant
	}

	grant, err := s.grants.RedeemGrant(ctx, code, clientID, s.opts.now())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrGrantConsumed):
		s.opts.metrics.ObserveRedemption("replayed")
		slog.Warn("Authorization code replay", "client_id", clientID)
		return nil, ErrGrantAlreadyConsumed
	case errors.Is(err, storage.ErrGrantUnavailable):
		s.opts.metrics.ObserveRedemption("rejected")
		return nil, ErrInvalidOrExpiredGrant
	default:
		s.opts.metrics.ObserveRedemption("error")
		return nil, fmt.Errorf("failed to redeem authorization grant: %w", err)
	}

	if err := verifyPKCE(grant.CodeChallenge, grant.CodeChallengeMethod, codeVerifier); err != nil {
		s.opts.metrics.ObserveRedemption("pkce_failed")
		slog.Warn("PKCE verification failed", "client_id", clientID, "error", err)
		return nil, ErrInvalidOrExpiredGrant
	}

	s.opts.metrics.ObserveRedemption("ok")

	return grant, nil
}

// Sweep removes expired and consumed grants.
func (s *CodeStore) Sweep(ctx context.Context) (int, error) {
	n, err := s.grants.DeleteExpiredGrants(ctx, s.opts.now())
	if err != nil {
		return n, fmt.Errorf("failed to sweep authorization grants: %w", err)
	}
	s.opts.metrics.AddGrantsSwept(n)
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done. A non-positive
// interval disables sweeping.
func (s *CodeStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				slog.Error("Grant sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Swept authorization grants", "count", n)
			}
		}
	}
}
