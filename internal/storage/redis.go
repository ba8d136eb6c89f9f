package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andyleap/skyid/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStorage(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisStorage) key(kind, id string) string {
	return fmt.Sprintf("%s%s:%s", r.keyPrefix, kind, id)
}

func (r *RedisStorage) SaveWebAuthnSession(ctx context.Context, key string, session *models.WebAuthnSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal webauthn session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := r.client.Set(ctx, r.key("webauthn_session", key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save webauthn session: %w", err)
	}

	return nil
}

func (r *RedisStorage) GetWebAuthnSession(ctx context.Context, key string) (*models.WebAuthnSession, error) {
	data, err := r.client.Get(ctx, r.key("webauthn_session", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webauthn session: %w", err)
	}

	var session models.WebAuthnSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webauthn session: %w", err)
	}

	return &session, nil
}

func (r *RedisStorage) DeleteWebAuthnSession(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key("webauthn_session", key)).Err()
}

func (r *RedisStorage) SaveSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := r.client.Set(ctx, r.key("session", session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

func (r *RedisStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	key := r.key("session", sessionID)

	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		r.client.Del(ctx, key)
		return nil, nil
	}

	return &session, nil
}

func (r *RedisStorage) DeleteSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key("session", sessionID)).Err()
}

// redisGrant carries the expiry as epoch milliseconds so the redeem script
// can compare it without parsing timestamps.
type redisGrant struct {
	models.AuthorizationGrant
	ExpiresAtMs int64 `json:"expires_at_ms"`
}

// redeemGrantScript checks and consumes a grant in one step.
// KEYS[1] grant, KEYS[2] consumed marker; ARGV[1] client id, ARGV[2] now in ms.
// Returns {1, data} on success, {2} if already consumed, {0} otherwise.
var redeemGrantScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return {0}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {2}
end
local grant = cjson.decode(data)
if grant.client_id ~= ARGV[1] or tonumber(grant.expires_at_ms) <= tonumber(ARGV[2]) then
	return {0}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
	ttl = 60000
end
redis.call('SET', KEYS[2], '1', 'PX', ttl)
return {1, data}
`)

func (r *RedisStorage) CreateGrant(ctx context.Context, grant *models.AuthorizationGrant) error {
	data, err := json.Marshal(redisGrant{
		AuthorizationGrant: *grant,
		ExpiresAtMs:        grant.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization grant: %w", err)
	}

	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization grant already expired")
	}

	ok, err := r.client.SetNX(ctx, r.key("grant", grant.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save authorization grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("authorization grant: %w", ErrAlreadyExists)
	}

	return nil
}

func (r *RedisStorage) GetGrant(ctx context.Context, code string) (*models.AuthorizationGrant, error) {
	data, err := r.client.Get(ctx, r.key("grant", code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("authorization grant: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization grant: %w", err)
	}

	grant, err := decodeRedisGrant(data)
	if err != nil {
		return nil, err
	}

	consumed, err := r.client.Exists(ctx, r.key("grant_consumed", code)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check grant consumption: %w", err)
	}
	grant.Consumed = consumed > 0

	return grant, nil
}

func (r *RedisStorage) RedeemGrant(ctx context.Context, code, clientID string, now time.Time) (*models.AuthorizationGrant, error) {
	keys := []string{r.key("grant", code), r.key("grant_consumed", code)}

	result, err := redeemGrantScript.Run(ctx, r.client, keys, clientID, now.UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization grant: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("failed to redeem authorization grant: empty script result")
	}

	status, _ := result[0].(int64)
	switch status {
	case 1:
	case 2:
		return nil, ErrGrantConsumed
	default:
		return nil, ErrGrantUnavailable
	}

	if len(result) < 2 {
		return nil, fmt.Errorf("failed to redeem authorization grant: unexpected script result")
	}
	data, ok := result[1].(string)
	if !ok {
		return nil, fmt.Errorf("failed to redeem authorization grant: unexpected script result")
	}

	grant, err := decodeRedisGrant([]byte(data))
	if err != nil {
		return nil, err
	}
	grant.Consumed = true

	return grant, nil
}

// DeleteExpiredGrants is a no-op: grant keys carry their own TTL.
func (r *RedisStorage) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func decodeRedisGrant(data []byte) (*models.AuthorizationGrant, error) {
	var stored redisGrant
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization grant: %w", err)
	}
	grant := stored.AuthorizationGrant
	return &grant, nil
}

func (r *RedisStorage) SaveToken(ctx context.Context, token *models.AccessToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	if err := r.client.Set(ctx, r.key("token", token.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	return nil
}

func (r *RedisStorage) GetToken(ctx context.Context, token string) (*models.AccessToken, error) {
	data, err := r.client.Get(ctx, r.key("token", token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("access token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var t models.AccessToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	if time.Now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("access token: %w", ErrNotFound)
	}

	return &t, nil
}

func (r *RedisStorage) DeleteToken(ctx context.Context, token string) error {
	return r.client.Del(ctx, r.key("token", token)).Err()
}
