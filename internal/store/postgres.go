// Package store handles all database, cache, and short-lived secret storage.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable store for users and sessions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool, pings it, and returns a ready-to-use store.
// Call once at startup; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertMisskeyUser inserts the account keyed by (misskey_id, instance), or refreshes its
// profile columns and last_login_at if it already exists. id is used only on insert;
// the returned User carries the stored ID either way.
func (s *PostgresStore) UpsertMisskeyUser(ctx context.Context, id uuid.UUID, ident MisskeyIdentity) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, misskey_id, instance, username, name, avatar_url, description, is_bot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (misskey_id, instance) DO UPDATE SET
			username      = EXCLUDED.username,
			name          = EXCLUDED.name,
			avatar_url    = EXCLUDED.avatar_url,
			description   = EXCLUDED.description,
			is_bot        = EXCLUDED.is_bot,
			last_login_at = now(),
			updated_at    = now()
		RETURNING id, misskey_id, instance, username, name, avatar_url, description, is_bot,
		          last_login_at, created_at, updated_at`,
		id, ident.MisskeyID, ident.Instance, ident.Username, ident.Name, ident.AvatarURL, ident.Description, ident.IsBot)

	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upserting misskey user: %w", err)
	}
	return u, nil
}

// GetUserByID fetches a user. Returns pgx.ErrNoRows if not found.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, misskey_id, instance, username, name, avatar_url, description, is_bot,
		       last_login_at, created_at, updated_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// CreateSession inserts a new session row with token hash and CSRF token.
func (s *PostgresStore) CreateSession(ctx context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, csrf_token, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, userID, tokenHash, csrfToken, expiresAt, ip, userAgent)
	return err
}

// GetSessionByTokenHash fetches a valid (non-expired) session with its owner's Misskey identity.
// Returns pgx.ErrNoRows if not found or expired.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.user_id, u.misskey_id, u.instance, s.token_hash, s.csrf_token,
		       s.expires_at, s.ip_address, s.user_agent, s.created_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1 AND s.expires_at > now()`, tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.MisskeyID, &sess.Instance, &sess.TokenHash, &sess.CSRFToken,
		&sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a single session row by token hash.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	return err
}

// CleanupExpiredSessions deletes sessions that expired more than retention ago.
// Returns the number of rows removed.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at < $1", time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.MisskeyID, &u.Instance, &u.Username, &u.Name, &u.AvatarURL, &u.Description, &u.IsBot,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
