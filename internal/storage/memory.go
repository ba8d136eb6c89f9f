package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andyleap/skyid/internal/models"
)

type MemoryStorage struct {
	webauthnSessions map[string]*models.WebAuthnSession
	sessions         map[string]*models.Session
	users            map[string]*models.User
	clients          map[string]*models.Client
	grants           map[string]*models.AuthorizationGrant
	tokens           map[string]*models.AccessToken
	mu               sync.RWMutex
	stop             chan struct{}
	stopOnce         sync.Once
}

func NewMemoryStorage() *MemoryStorage {
	storage := &MemoryStorage{
		webauthnSessions: make(map[string]*models.WebAuthnSession),
		sessions:         make(map[string]*models.Session),
		users:            make(map[string]*models.User),
		clients:          make(map[string]*models.Client),
		grants:           make(map[string]*models.AuthorizationGrant),
		tokens:           make(map[string]*models.AccessToken),
		stop:             make(chan struct{}),
	}

	// Start background cleanup routine
	go storage.cleanupRoutine()

	return storage
}

// Close stops the background cleanup routine.
func (m *MemoryStorage) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryStorage) SaveWebAuthnSession(ctx context.Context, key string, session *models.WebAuthnSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.webauthnSessions[key] = session
	return nil
}

func (m *MemoryStorage) GetWebAuthnSession(ctx context.Context, key string) (*models.WebAuthnSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.webauthnSessions[key]
	if !exists {
		return nil, nil
	}

	if time.Now().After(session.ExpiresAt) {
		delete(m.webauthnSessions, key)
		return nil, nil
	}

	return session, nil
}

func (m *MemoryStorage) DeleteWebAuthnSession(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.webauthnSessions, key)
	return nil
}

func (m *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, nil
	}

	if time.Now().After(session.ExpiresAt) {
		delete(m.sessions, sessionID)
		return nil, nil
	}

	return session, nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[userID]
	if !exists {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u := *user
	return &u, nil
}

func (m *MemoryStorage) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *user
	m.users[user.ID] = &u
	return nil
}

func (m *MemoryStorage) CreateClient(ctx context.Context, client *models.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[client.ID]; exists {
		return fmt.Errorf("client %s: %w", client.ID, ErrAlreadyExists)
	}
	c := *client
	m.clients[client.ID] = &c
	return nil
}

func (m *MemoryStorage) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	c := *client
	return &c, nil
}

func (m *MemoryStorage) ListClients(ctx context.Context, ownerID string) ([]*models.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var clients []*models.Client
	for _, client := range m.clients {
		if client.OwnerID == ownerID {
			c := *client
			clients = append(clients, &c)
		}
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})
	return clients, nil
}

func (m *MemoryStorage) CreateGrant(ctx context.Context, grant *models.AuthorizationGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.grants[grant.Code]; exists {
		return fmt.Errorf("authorization grant: %w", ErrAlreadyExists)
	}
	g := *grant
	m.grants[grant.Code] = &g
	return nil
}

func (m *MemoryStorage) GetGrant(ctx context.Context, code string) (*models.AuthorizationGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	grant, exists := m.grants[code]
	if !exists {
		return nil, fmt.Errorf("authorization grant: %w", ErrNotFound)
	}
	g := *grant
	return &g, nil
}

// RedeemGrant holds the write lock across the whole check-and-flip.
func (m *MemoryStorage) RedeemGrant(ctx context.Context, code, clientID string, now time.Time) (*models.AuthorizationGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	grant, exists := m.grants[code]
	if !exists {
		return nil, ErrGrantUnavailable
	}
	if grant.Consumed {
		return nil, ErrGrantConsumed
	}
	if grant.ClientID != clientID || grant.Expired(now) {
		return nil, ErrGrantUnavailable
	}

	grant.Consumed = true
	g := *grant
	return &g, nil
}

func (m *MemoryStorage) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for code, grant := range m.grants {
		if grant.Consumed || grant.Expired(now) {
			delete(m.grants, code)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) SaveToken(ctx context.Context, token *models.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *token
	m.tokens[token.Token] = &t
	return nil
}

func (m *MemoryStorage) GetToken(ctx context.Context, token string) (*models.AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tokens[token]
	if !exists || time.Now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("access token: %w", ErrNotFound)
	}
	tok := *t
	return &tok, nil
}

func (m *MemoryStorage) DeleteToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, token)
	return nil
}

// cleanupRoutine runs every 5 minutes to clean up expired state
func (m *MemoryStorage) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStorage) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	for key, session := range m.webauthnSessions {
		if now.After(session.ExpiresAt) {
			delete(m.webauthnSessions, key)
		}
	}

	for sessionID, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, sessionID)
		}
	}

	for token, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, token)
		}
	}
}
