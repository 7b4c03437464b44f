// memory.go -- In-process secret store for single-instance deployments and development.
package store

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemorySecretStore keeps short-lived secrets in a go-cache with per-key TTLs.
// Only correct when every callback reaches the process that served the redirect.
type MemorySecretStore struct {
	c  *gocache.Cache
	mu sync.Mutex // makes Take's read-then-delete atomic
}

// NewMemorySecretStore returns a store whose expired entries are purged every cleanupInterval.
func NewMemorySecretStore(cleanupInterval time.Duration) *MemorySecretStore {
	return &MemorySecretStore{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Put stores value under key, expiring after ttl.
func (s *MemorySecretStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.c.Set(key, value, ttl)
	return nil
}

// Take reads and deletes key. Returns ErrSecretNotFound if absent or expired.
func (s *MemorySecretStore) Take(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.c.Get(key)
	if !ok {
		return "", ErrSecretNotFound
	}
	s.c.Delete(key)
	value, _ := v.(string)
	return value, nil
}

// Delete removes key.
func (s *MemorySecretStore) Delete(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}
