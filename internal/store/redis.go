// redis.go -- go-redis client for session caching and short-lived secrets.
//
// Sessions are cached with a TTL matching session expiry; Postgres stays the source of truth.
// RedisSecretStore holds PKCE verifiers for server-side verifier storage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects, and pings. All Redis-backed structs share the client.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisStore wraps a Redis client for session cache operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore returns a session cache on the shared client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SetSession caches a session under its token hash with the given TTL in seconds.
func (s *RedisStore) SetSession(ctx context.Context, tokenHash string, sessionData Session, ttl int) error {
	cacheOut, err := json.Marshal(CachedSession{
		UserID:    sessionData.UserID,
		MisskeyID: sessionData.MisskeyID,
		Instance:  sessionData.Instance,
		CSRFToken: sessionData.CSRFToken,
		ExpiresAt: sessionData.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	if err := s.rdb.Set(ctx, sessionKey(tokenHash), cacheOut, time.Duration(ttl)*time.Second).Err(); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session by its token hash.
// Returns ErrCacheMiss if the key does not exist.
func (s *RedisStore) GetSession(ctx context.Context, tokenHash string) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// DeleteSession removes a single session from cache.
func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.rdb.Del(ctx, sessionKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func sessionKey(tokenHash string) string {
	return fmt.Sprintf("session:%s", tokenHash)
}

// RedisSecretStore keeps short-lived secrets (PKCE verifiers) under a key prefix.
type RedisSecretStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSecretStore returns a secret store on the shared client. prefix namespaces keys.
func NewRedisSecretStore(rdb *redis.Client, prefix string) *RedisSecretStore {
	return &RedisSecretStore{rdb: rdb, prefix: prefix}
}

// Put stores value under key, expiring after ttl.
func (s *RedisSecretStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}

// Take atomically reads and deletes key (GETDEL), so a value is handed out at most once.
// Returns ErrSecretNotFound if the key is absent or expired.
func (s *RedisSecretStore) Take(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.GetDel(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("taking secret: %w", err)
	}
	return v, nil
}

// CheckHealth pings the Redis server backing the secrets.
func (s *RedisSecretStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Delete removes key. Deleting an absent key is not an error.
func (s *RedisSecretStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	return nil
}
