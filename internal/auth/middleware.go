// middleware.go -- RequireAuth: resolves the __Host-session cookie to the signed-in Misskey
// account and attaches it to the request context.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// SignedIn is the account behind an authenticated request.
type SignedIn struct {
	UserID    uuid.UUID
	MisskeyID string
	Instance  string // host of the instance the account lives on
	TokenHash []byte
	CSRFToken []byte
}

// Handle renders the account as id@instance for logs.
func (s SignedIn) Handle() string { return s.MisskeyID + "@" + s.Instance }

type signedInKey struct{}

// SignedInFromContext returns the account RequireAuth resolved; false if it has not run.
func SignedInFromContext(ctx context.Context) (SignedIn, bool) {
	s, ok := ctx.Value(signedInKey{}).(SignedIn)
	return s, ok
}

func withSignedIn(ctx context.Context, s SignedIn) context.Context {
	return context.WithValue(ctx, signedInKey{}, s)
}

// RequireAuth lets the request through only with a live session, answering 401 otherwise.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenHash, reason := sessionTokenHash(r)
		if reason != "" {
			logWarn(r, "require auth failed", "reason", reason)
			Unauthorized(w, r, "unauthorized")
			return
		}

		s, err := h.lookupSession(r, tokenHash)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				logWarn(r, "require auth failed", "reason", "session_not_found")
			} else {
				logError(r, "require auth failed fetching session from db", "error", err)
			}
			Unauthorized(w, r, "unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(withSignedIn(r.Context(), s)))
	})
}

// sessionTokenHash reads and hashes the session cookie. reason is set when it is unusable.
func sessionTokenHash(r *http.Request) (hash []byte, reason string) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, "missing_session_cookie"
	}
	if c.Value == "" {
		return nil, "empty_session_cookie"
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, "invalid_cookie_encoding"
	}
	sum := sha256.Sum256(raw)
	return sum[:], ""
}

// lookupSession reads the cache first and falls back to Postgres, refilling the cache on a
// Postgres hit. A cache outage degrades to Postgres-only; it never rejects the request.
func (h *AuthHandler) lookupSession(r *http.Request, tokenHash []byte) (SignedIn, error) {
	key := base64.RawURLEncoding.EncodeToString(tokenHash)

	cached, err := h.RS.GetSession(r.Context(), key)
	if err == nil {
		return SignedIn{
			UserID:    cached.UserID,
			MisskeyID: cached.MisskeyID,
			Instance:  cached.Instance,
			TokenHash: tokenHash,
			CSRFToken: cached.CSRFToken,
		}, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		logError(r, "redis session lookup failed, falling back to postgres", "error", err)
	}

	sess, err := h.PS.GetSessionByTokenHash(r.Context(), tokenHash)
	if err != nil {
		return SignedIn{}, err
	}
	// A zero TTL would mean no expiry in Redis.
	if ttl := int(time.Until(sess.ExpiresAt).Seconds()); ttl > 0 {
		if err := h.RS.SetSession(r.Context(), key, *sess, ttl); err != nil {
			logWarn(r, "failed to repopulate session cache", "error", err)
		}
	}
	return SignedIn{
		UserID:    sess.UserID,
		MisskeyID: sess.MisskeyID,
		Instance:  sess.Instance,
		TokenHash: tokenHash,
		CSRFToken: sess.CSRFToken,
	}, nil
}
