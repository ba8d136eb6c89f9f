package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/andyleap/skyid/internal/metrics"
	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/storage"
)

// Registry holds the registered client applications.
type Registry struct {
	clients storage.ClientStorage
	opts    options
}

func NewRegistry(clients storage.ClientStorage, opts ...Option) *Registry {
	return &Registry{
		clients: clients,
		opts:    buildOptions(opts),
	}
}

func (r *Registry) metrics() *metrics.Metrics {
	return r.opts.metrics
}

// Register creates a client owned by ownerID with a fresh id and secret.
func (r *Registry) Register(ctx context.Context, ownerID, displayName, redirectURI string) (*models.Client, error) {
	displayName = strings.TrimSpace(displayName)
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required: %w", ErrMalformedRequest)
	}
	if displayName == "" {
		return nil, fmt.Errorf("display_name is required: %w", ErrMalformedRequest)
	}
	if err := ValidateRedirectURI(redirectURI); err != nil {
		return nil, err
	}

	secret, err := generateClientSecret()
	if err != nil {
		return nil, err
	}

	client := &models.Client{
		ID:          uuid.NewString(),
		Secret:      secret,
		OwnerID:     ownerID,
		DisplayName: displayName,
		RedirectURI: redirectURI,
		CreatedAt:   r.opts.now().UTC(),
	}

	if err := r.clients.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	r.metrics().IncrementClientsRegistered()
	slog.Info("Client registered", "client_id", client.ID, "owner_id", ownerID, "redirect_uri", redirectURI)

	return client, nil
}

// Lookup returns the client or ErrClientNotFound.
func (r *Registry) Lookup(ctx context.Context, clientID string) (*models.Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}

	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	return client, nil
}

// dummySecretDigest stands in for the stored secret of an unknown client so
// both failure paths do the same comparison work.
var dummySecretDigest = sha256.Sum256([]byte("skyid-unknown-client"))

// VerifyCredentials authenticates a client by id and secret. Secrets are
// compared as SHA-256 digests in constant time.
func (r *Registry) VerifyCredentials(ctx context.Context, clientID, secret string) (*models.Client, error) {
	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	stored := dummySecretDigest
	if client != nil {
		stored = sha256.Sum256([]byte(client.Secret))
	}
	presented := sha256.Sum256([]byte(secret))

	match := subtle.ConstantTimeCompare(stored[:], presented[:]) == 1
	if client == nil || !match {
		return nil, ErrInvalidClientCredentials
	}

	return client, nil
}

// ListByOwner returns the clients registered by ownerID, oldest first.
func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]*models.Client, error) {
	clients, err := r.clients.ListClients(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// minSeedSecretLen matches the length of a generated secret.
const minSeedSecretLen = 64

// Seed stores statically configured clients. Clients that already exist are
// left untouched. A client without a secret gets a generated one, which is
// logged once when the client is first stored.
func (r *Registry) Seed(ctx context.Context, clients []*models.Client) error {
	for _, client := range clients {
		if client.ID == "" {
			return fmt.Errorf("seed client %q: client_id is required: %w", client.DisplayName, ErrMalformedRequest)
		}
		generated := false
		if client.Secret == "" {
			secret, err := generateClientSecret()
			if err != nil {
				return err
			}
			client.Secret = secret
			generated = true
		}
		if len(client.Secret) < minSeedSecretLen {
			return fmt.Errorf("seed client %s: client_secret must be at least %d characters: %w", client.ID, minSeedSecretLen, ErrMalformedRequest)
		}
		if err := ValidateRedirectURI(client.RedirectURI); err != nil {
			return fmt.Errorf("seed client %s: %w", client.ID, err)
		}
		if client.CreatedAt.IsZero() {
			client.CreatedAt = r.opts.now().UTC()
		}

		err := r.clients.CreateClient(ctx, client)
		if errors.Is(err, storage.ErrAlreadyExists) {
			slog.Debug("Seed client already registered", "client_id", client.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to seed client %s: %w", client.ID, err)
		}
		if generated {
			slog.Warn("Generated secret for seeded client", "client_id", client.ID, "client_secret", client.Secret)
		}
		slog.Info("Seeded client", "client_id", client.ID, "name", client.DisplayName)
	}
	return nil
}

// ValidateRedirectURI accepts absolute http(s) URIs without a fragment.
func ValidateRedirectURI(raw string) error {
	if raw == "" {
		return fmt.Errorf("redirect_uri is required: %w", ErrMalformedRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri is malformed: %w", ErrMalformedRequest)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect_uri must be absolute: %w", ErrMalformedRequest)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("redirect_uri must use http or https: %w", ErrMalformedRequest)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment: %w", ErrMalformedRequest)
	}
	return nil
}

func generateClientSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
