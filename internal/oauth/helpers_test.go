package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andyleap/skyid/internal/models"
	"github.com/andyleap/skyid/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingClients records how often the registry reaches its storage.
type countingClients struct {
	storage.ClientStorage
	lookups atomic.Int32
}

func (c *countingClients) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	c.lookups.Add(1)
	return c.ClientStorage.GetClient(ctx, clientID)
}

// countingGrants records how often the code store reaches its storage.
type countingGrants struct {
	storage.GrantStorage
	redeems atomic.Int32
}

func (g *countingGrants) RedeemGrant(ctx context.Context, code, clientID string, now time.Time) (*models.AuthorizationGrant, error) {
	g.redeems.Add(1)
	return g.GrantStorage.RedeemGrant(ctx, code, clientID, now)
}

type fixture struct {
	clock    *fakeClock
	store    *storage.MemoryStorage
	clients  *countingClients
	grants   *countingGrants
	registry *Registry
	codes    *CodeStore
	consent  *ConsentFlow
	issuer   *TokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	clients := &countingClients{ClientStorage: store}
	grants := &countingGrants{GrantStorage: store}

	registry := NewRegistry(clients, WithClock(clock.Now))
	codes, err := NewCodeStore(grants, 0, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to create code store: %v", err)
	}

	return &fixture{
		clock:    clock,
		store:    store,
		clients:  clients,
		grants:   grants,
		registry: registry,
		codes:    codes,
		consent:  NewConsentFlow(registry, codes, WithClock(clock.Now)),
		issuer:   NewTokenIssuer(registry, codes, store, 0, WithClock(clock.Now)),
	}
}

func (f *fixture) register(t *testing.T, name, redirectURI string) *models.Client {
	t.Helper()
	client, err := f.registry.Register(context.Background(), "owner-1", name, redirectURI)
	if err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	return client
}

func (f *fixture) issue(t *testing.T, client *models.Client, userID string) *models.AuthorizationGrant {
	t.Helper()
	grant, err := f.codes.Issue(context.Background(), IssueParams{
		ClientID:    client.ID,
		UserID:      userID,
		RedirectURI: client.RedirectURI,
	})
	if err != nil {
		t.Fatalf("failed to issue grant: %v", err)
	}
	return grant
}
