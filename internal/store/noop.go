// noop.go -- Session cache used when REDIS_URL is unset.
package store

import "context"

// NoopSessionCache satisfies the session cache contract without storing anything.
// Every lookup misses, so callers fall through to Postgres.
type NoopSessionCache struct{}

func (NoopSessionCache) GetSession(context.Context, string) (*CachedSession, error) {
	return nil, ErrCacheMiss
}

func (NoopSessionCache) SetSession(context.Context, string, Session, int) error { return nil }

func (NoopSessionCache) DeleteSession(context.Context, string) error { return nil }

// CheckHealth reports ErrCacheDisabled so /health can show "disabled" instead of "ok".
func (NoopSessionCache) CheckHealth(context.Context) error { return ErrCacheDisabled }
