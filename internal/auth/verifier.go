// verifier.go -- Storage for the PKCE code verifier between redirect-out and callback.
//
// CookieVerifierStore keeps the verifier itself in an HttpOnly cookie. ServerVerifierStore keeps
// only a random flow ID in the cookie and the verifier in a SecretStore (Redis or in-process),
// so a replayed cookie cannot be redeemed twice. Either way the issuer override chosen at
// redirect time travels with the verifier, so the callback URL itself stays query-free.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/oauth"
	"github.com/MGallo-Code/charon-misskey/internal/store"
	"github.com/gofrs/uuid/v5"
)

// VerifierCookieName holds the verifier (cookie store) and FlowCookieName the flow ID (server store).
const (
	VerifierCookieName = "code_verifier"
	FlowCookieName     = "oauth_flow"
)

// VerifierTTL bounds how long a started flow can wait for its callback.
const VerifierTTL = 30 * time.Minute

// FlowState is what the redirect phase leaves for the callback.
type FlowState struct {
	Verifier string
	Issuer   string // per-request issuer override; empty when none was given
}

// encode renders the state as "verifier" or "verifier.base64url(issuer)".
// Verifiers are base64url, so they never contain the separator.
func (st FlowState) encode() string {
	if st.Issuer == "" {
		return st.Verifier
	}
	return st.Verifier + "." + base64.RawURLEncoding.EncodeToString([]byte(st.Issuer))
}

func decodeFlowState(raw string) (FlowState, error) {
	verifier, enc, hasIssuer := strings.Cut(raw, ".")
	if verifier == "" {
		return FlowState{}, oauth.ErrVerifierNotFound
	}
	st := FlowState{Verifier: verifier}
	if hasIssuer {
		issuer, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil || len(issuer) == 0 {
			return FlowState{}, fmt.Errorf("%w: malformed flow state", oauth.ErrVerifierNotFound)
		}
		st.Issuer = string(issuer)
	}
	return st, nil
}

// VerifierStore persists one flow state per client session.
// Get returns oauth.ErrVerifierNotFound when nothing (valid) is stored; any other error is a
// backend failure.
type VerifierStore interface {
	Put(w http.ResponseWriter, r *http.Request, st FlowState, ttl time.Duration) error
	Get(r *http.Request) (FlowState, error)
	Delete(w http.ResponseWriter, r *http.Request) error
}

// SecretStore is a keyed store of short-lived secrets.
// Satisfied by *store.RedisSecretStore and *store.MemorySecretStore.
type SecretStore interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Take returns the value and removes it; store.ErrSecretNotFound if absent or expired.
	Take(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// CookieVerifierStore stores the verifier in the code_verifier cookie:
// HttpOnly, Secure, SameSite=Lax, scoped to the callback path.
// With a Secret, the value is HMAC-SHA256 signed and tampered values read as absent.
type CookieVerifierStore struct {
	Path   string // empty: the path of the request that started the flow
	Secret []byte
}

func (s *CookieVerifierStore) Put(w http.ResponseWriter, r *http.Request, st FlowState, ttl time.Duration) error {
	value := st.encode()
	if len(s.Secret) > 0 {
		value += "." + s.sign(value)
	}
	http.SetCookie(w, flowCookie(VerifierCookieName, value, cookiePath(s.Path, r), int(ttl.Seconds())))
	return nil
}

func (s *CookieVerifierStore) Get(r *http.Request) (FlowState, error) {
	c, err := r.Cookie(VerifierCookieName)
	if err != nil || c.Value == "" {
		return FlowState{}, oauth.ErrVerifierNotFound
	}
	if len(s.Secret) == 0 {
		return decodeFlowState(c.Value)
	}

	i := strings.LastIndexByte(c.Value, '.')
	if i < 0 {
		return FlowState{}, fmt.Errorf("%w: unsigned value", oauth.ErrVerifierNotFound)
	}
	payload, sig := c.Value[:i], c.Value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.sign(payload))) {
		return FlowState{}, fmt.Errorf("%w: bad signature", oauth.ErrVerifierNotFound)
	}
	return decodeFlowState(payload)
}

func (s *CookieVerifierStore) Delete(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, flowCookie(VerifierCookieName, "", cookiePath(s.Path, r), -1))
	return nil
}

func (s *CookieVerifierStore) sign(payload string) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ServerVerifierStore keeps verifiers server-side, keyed by a random flow ID held in the
// oauth_flow cookie. Get consumes the secret, so each verifier is handed out at most once.
type ServerVerifierStore struct {
	Secrets SecretStore
	Path    string
}

func (s *ServerVerifierStore) Put(w http.ResponseWriter, r *http.Request, st FlowState, ttl time.Duration) error {
	// A restarted flow orphans the previous secret; drop it rather than wait for expiry.
	if c, err := r.Cookie(FlowCookieName); err == nil && c.Value != "" {
		if err := s.Secrets.Delete(r.Context(), c.Value); err != nil {
			logWarn(r, "failed to drop previous flow secret", "error", err)
		}
	}

	flowID, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("generating flow id: %w", err)
	}
	if err := s.Secrets.Put(r.Context(), flowID.String(), st.encode(), ttl); err != nil {
		return fmt.Errorf("storing verifier: %w", err)
	}
	http.SetCookie(w, flowCookie(FlowCookieName, flowID.String(), cookiePath(s.Path, r), int(ttl.Seconds())))
	return nil
}

func (s *ServerVerifierStore) Get(r *http.Request) (FlowState, error) {
	c, err := r.Cookie(FlowCookieName)
	if err != nil || c.Value == "" {
		return FlowState{}, oauth.ErrVerifierNotFound
	}
	if _, err := uuid.FromString(c.Value); err != nil {
		return FlowState{}, fmt.Errorf("%w: malformed flow id", oauth.ErrVerifierNotFound)
	}

	raw, err := s.Secrets.Take(r.Context(), c.Value)
	if err != nil {
		if errors.Is(err, store.ErrSecretNotFound) {
			return FlowState{}, oauth.ErrVerifierNotFound
		}
		return FlowState{}, fmt.Errorf("reading verifier: %w", err)
	}
	return decodeFlowState(raw)
}

func (s *ServerVerifierStore) Delete(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, flowCookie(FlowCookieName, "", cookiePath(s.Path, r), -1))
	if c, err := r.Cookie(FlowCookieName); err == nil && c.Value != "" {
		if err := s.Secrets.Delete(r.Context(), c.Value); err != nil {
			return fmt.Errorf("deleting verifier: %w", err)
		}
	}
	return nil
}

// CheckHealth pings the secret backend when it supports it.
func (s *ServerVerifierStore) CheckHealth(ctx context.Context) error {
	if hc, ok := s.Secrets.(healthChecker); ok {
		return hc.CheckHealth(ctx)
	}
	return nil
}

// verifierBackend names where vs keeps verifiers, as reported by /health.
func verifierBackend(vs VerifierStore) string {
	switch v := vs.(type) {
	case *CookieVerifierStore:
		return "cookie"
	case *ServerVerifierStore:
		switch v.Secrets.(type) {
		case *store.RedisSecretStore:
			return "redis"
		case *store.MemorySecretStore:
			return "memory"
		}
		return "server"
	}
	return "custom"
}

// flowCookie builds an HttpOnly, Secure, SameSite=Lax cookie. maxAge -1 deletes it.
func flowCookie(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func cookiePath(configured string, r *http.Request) string {
	if configured != "" {
		return configured
	}
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}
