package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/andyleap/skyid/internal/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStorage keeps users, clients, grants and tokens in one SQLite database.
// Timestamps are stored as epoch milliseconds.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(ctx context.Context, dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLiteStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM users WHERE id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	var user models.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

func (s *SQLiteStorage) SaveUser(ctx context.Context, user *models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, data) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		user.ID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	return nil
}

const clientColumns = `client_id, client_secret, owner_id, display_name, redirect_uri, created_at`

func scanClient(row interface{ Scan(...any) error }) (*models.Client, error) {
	var (
		client    models.Client
		createdAt int64
	)
	if err := row.Scan(&client.ID, &client.Secret, &client.OwnerID, &client.DisplayName, &client.RedirectURI, &createdAt); err != nil {
		return nil, err
	}
	client.CreatedAt = fromMillis(createdAt)
	return &client, nil
}

func (s *SQLiteStorage) CreateClient(ctx context.Context, client *models.Client) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		client.ID, client.Secret, client.OwnerID, client.DisplayName, client.RedirectURI, client.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("client %s: %w", client.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query client: %w", err)
	}
	return client, nil
}

func (s *SQLiteStorage) ListClients(ctx context.Context, ownerID string) ([]*models.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate clients: %w", err)
	}

	return clients, nil
}

const grantColumns = `code, client_id, user_id, redirect_uri, state, code_challenge,
	code_challenge_method, issued_at, expires_at, consumed`

func scanGrant(row interface{ Scan(...any) error }) (*models.AuthorizationGrant, error) {
	var (
		grant               models.AuthorizationGrant
		issuedAt, expiresAt int64
	)
	err := row.Scan(&grant.Code, &grant.ClientID, &grant.UserID, &grant.RedirectURI, &grant.State,
		&grant.CodeChallenge, &grant.CodeChallengeMethod, &issuedAt, &expiresAt, &grant.Consumed)
	if err != nil {
		return nil, err
	}
	grant.IssuedAt = fromMillis(issuedAt)
	grant.ExpiresAt = fromMillis(expiresAt)
	return &grant, nil
}

func (s *SQLiteStorage) CreateGrant(ctx context.Context, grant *models.AuthorizationGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.Code, grant.ClientID, grant.UserID, grant.RedirectURI, grant.State, grant.CodeChallenge,
		grant.CodeChallengeMethod, grant.IssuedAt.UnixMilli(), grant.ExpiresAt.UnixMilli(), grant.Consumed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("authorization grant: %w", ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert authorization grant: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetGrant(ctx context.Context, code string) (*models.AuthorizationGrant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE code = ?`, code)
	grant, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("authorization grant: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query authorization grant: %w", err)
	}
	return grant, nil
}

// RedeemGrant flips consumed with a single conditional UPDATE; the WHERE
// clause carries every redemption check.
func (s *SQLiteStorage) RedeemGrant(ctx context.Context, code, clientID string, now time.Time) (*models.AuthorizationGrant, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE grants SET consumed = 1
		WHERE code = ? AND client_id = ? AND consumed = 0 AND expires_at > ?
		RETURNING `+grantColumns,
		code, clientID, now.UnixMilli(),
	)
	grant, err := scanGrant(row)
	if err == nil {
		return grant, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to redeem authorization grant: %w", err)
	}

	var consumed bool
	err = s.db.QueryRowContext(ctx, `SELECT consumed FROM grants WHERE code = ?`, code).Scan(&consumed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query authorization grant: %w", err)
	}
	if consumed {
		return nil, ErrGrantConsumed
	}
	return nil, ErrGrantUnavailable
}

func (s *SQLiteStorage) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE consumed = 1 OR expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired grants: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted grants: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return int(n), fmt.Errorf("failed to delete expired tokens: %w", err)
	}

	return int(n), nil
}

func (s *SQLiteStorage) SaveToken(ctx context.Context, token *models.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (token, client_id, owner_id, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.OwnerID, token.IssuedAt.UnixMilli(), token.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert access token: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetToken(ctx context.Context, token string) (*models.AccessToken, error) {
	var (
		t                   models.AccessToken
		issuedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, client_id, owner_id, issued_at, expires_at
		FROM access_tokens WHERE token = ? AND expires_at > ?`,
		token, time.Now().UnixMilli(),
	).Scan(&t.Token, &t.ClientID, &t.OwnerID, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("access token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query access token: %w", err)
	}
	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	return &t, nil
}

func (s *SQLiteStorage) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}
