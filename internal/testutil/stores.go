// stores.go
//
// Shared mock implementations of auth.Store, auth.SessionCache, and auth.SecretStore.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MockStore implements auth.Store for tests.

// Always stateful...Users and Sessions are maps, like a real store.
// Use *Err fields to inject errors for specific operations.
// Use NewMockStore to seed users; or construct directly and set *Err fields for error-path tests.
type MockStore struct {
	// Error injection...zero value means no error
	UpsertUserErr    error
	GetUserErr       error
	CreateSessionErr error
	GetSessionErr    error
	DeleteSessionErr error
	HealthErr        error

	Users    map[uuid.UUID]*store.User // keyed by local user ID
	Sessions map[string]*store.Session // keyed by string(tokenHash)
	Upserts  []store.MisskeyIdentity   // every identity passed to UpsertMisskeyUser, in order

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users, indexed by ID.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:    make(map[uuid.UUID]*store.User),
		Sessions: make(map[string]*store.Session),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

// UpsertMisskeyUser matches on (MisskeyID, Instance) like the unique index; a match keeps its ID.
func (m *MockStore) UpsertMisskeyUser(_ context.Context, id uuid.UUID, ident store.MisskeyIdentity) (*store.User, error) {
	if m.UpsertUserErr != nil {
		return nil, m.UpsertUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Users == nil {
		m.Users = make(map[uuid.UUID]*store.User)
	}
	m.Upserts = append(m.Upserts, ident)

	now := time.Now()
	for _, u := range m.Users {
		if u.MisskeyID == ident.MisskeyID && u.Instance == ident.Instance {
			applyIdentity(u, ident, now)
			return u, nil
		}
	}
	u := &store.User{ID: id, CreatedAt: now}
	applyIdentity(u, ident, now)
	m.Users[id] = u
	return u, nil
}

func applyIdentity(u *store.User, ident store.MisskeyIdentity, now time.Time) {
	u.MisskeyID = ident.MisskeyID
	u.Instance = ident.Instance
	u.Username = ident.Username
	u.Name = ident.Name
	u.AvatarURL = ident.AvatarURL
	u.Description = ident.Description
	u.IsBot = ident.IsBot
	u.LastLoginAt = now
	u.UpdatedAt = now
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *MockStore) CreateSession(_ context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.Session)
	}
	m.Sessions[string(tokenHash)] = &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CSRFToken: csrfToken,
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: time.Now(),
	}
	return nil
}

// GetSessionByTokenHash returns pgx.ErrNoRows for unknown or expired sessions, like the real query.
func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, pgx.ErrNoRows
	}
	out := *s
	// Mirror the users join when the owner is known.
	if u, ok := m.Users[s.UserID]; ok {
		out.MisskeyID, out.Instance = u.MisskeyID, u.Instance
	}
	return &out, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// MockCache implements auth.SessionCache for tests.
// Always stateful...Sessions is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection...zero value means no error
	GetSessionErr    error
	SetSessionErr    error
	DeleteSessionErr error
	HealthErr        error

	Sessions map[string]*store.CachedSession // keyed by base64 token hash

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]*store.CachedSession),
	}
}

func (m *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return s, nil
}

func (m *MockCache) SetSession(_ context.Context, tokenHash string, sessionData store.Session, ttl int) error {
	if m.SetSessionErr != nil {
		return m.SetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Sessions == nil {
		m.Sessions = make(map[string]*store.CachedSession)
	}
	m.Sessions[tokenHash] = &store.CachedSession{
		UserID:    sessionData.UserID,
		MisskeyID: sessionData.MisskeyID,
		Instance:  sessionData.Instance,
		CSRFToken: sessionData.CSRFToken,
		ExpiresAt: sessionData.ExpiresAt,
	}
	return nil
}

func (m *MockCache) DeleteSession(_ context.Context, tokenHash string) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, tokenHash)
	return nil
}

func (m *MockCache) CheckHealth(_ context.Context) error {
	return m.HealthErr
}

// Len returns the number of cached sessions.
func (m *MockCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sessions)
}

// MockSecretStore implements auth.SecretStore for tests.
// Take is single-use like the real stores; TTLs are recorded, not enforced.
type MockSecretStore struct {
	PutErr    error
	TakeErr   error
	DeleteErr error
	HealthErr error

	Values map[string]string
	TTLs   map[string]time.Duration

	mu sync.Mutex
}

// NewMockSecretStore returns an empty MockSecretStore ready for use.
func NewMockSecretStore() *MockSecretStore {
	return &MockSecretStore{
		Values: make(map[string]string),
		TTLs:   make(map[string]time.Duration),
	}
}

func (m *MockSecretStore) CheckHealth(context.Context) error { return m.HealthErr }

func (m *MockSecretStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Values == nil {
		m.Values = make(map[string]string)
		m.TTLs = make(map[string]time.Duration)
	}
	m.Values[key] = value
	m.TTLs[key] = ttl
	return nil
}

func (m *MockSecretStore) Take(_ context.Context, key string) (string, error) {
	if m.TakeErr != nil {
		return "", m.TakeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Values[key]
	if !ok {
		return "", store.ErrSecretNotFound
	}
	delete(m.Values, key)
	return v, nil
}

func (m *MockSecretStore) Delete(_ context.Context, key string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Values, key)
	return nil
}

// Len returns the number of stored secrets.
func (m *MockSecretStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Values)
}
