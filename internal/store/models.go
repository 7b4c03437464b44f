// models.go -- Shared domain types for the store package.
// Used by Postgres (durable store), Redis (cache + secrets), and the in-process secret store.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopSessionCache.CheckHealth when Redis is not configured.
var ErrCacheDisabled = errors.New("cache disabled")

// ErrSecretNotFound is returned by secret stores when the key is absent, expired, or already taken.
var ErrSecretNotFound = errors.New("secret not found")

// User represents a row in the users table: one Misskey account on one instance.
// Nullable columns are pointers -- nil means SQL NULL.
type User struct {
	ID          uuid.UUID
	MisskeyID   string
	Instance    string // instance host, e.g. "misskey.io"
	Username    string
	Name        *string
	AvatarURL   *string
	Description *string
	IsBot       bool
	LastLoginAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MisskeyIdentity is the profile snapshot subset persisted on sign-in.
type MisskeyIdentity struct {
	MisskeyID   string
	Instance    string
	Username    string
	Name        *string
	AvatarURL   *string
	Description *string
	IsBot       bool
}

// Session represents a row in the sessions table.
// MisskeyID and Instance identify the owning account; they are joined from users on read.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	MisskeyID string
	Instance  string
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation -- full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	MisskeyID string    `json:"misskey_id"`
	Instance  string    `json:"instance"`
	CSRFToken []byte    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}
