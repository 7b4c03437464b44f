// session.go -- Session tokens for signed-in Misskey accounts: issuance and the __Host-session cookie.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/store"
	"github.com/gofrs/uuid/v5"
)

// SessionCookieName is the cookie carrying the raw session token.
const SessionCookieName = "__Host-session"

// DefaultSessionTTL applies when AuthHandler.SessionTTL is zero.
const DefaultSessionTTL = 24 * time.Hour

// GenerateToken returns 256-bit random session token and its SHA-256 hash.
// Token goes in the cookie; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	_, err := rand.Read(token[:])
	if err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// issueSession creates a session for user in Postgres, caches it with the account's Misskey
// identity (non-fatal), and sets the session cookie. Returns the session's expiry.
func (h *AuthHandler) issueSession(w http.ResponseWriter, r *http.Request, user *store.User) (time.Time, error) {
	token, tokenHash, err := GenerateToken()
	if err != nil {
		return time.Time{}, err
	}
	csrfToken, err := GenerateCSRFToken()
	if err != nil {
		return time.Time{}, err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return time.Time{}, fmt.Errorf("generating session id: %w", err)
	}

	ttl := h.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	expiresAt := time.Now().Add(ttl)

	var ip *string
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = &host
	}
	var ua *string
	if v := r.UserAgent(); v != "" {
		ua = &v
	}

	if err := h.PS.CreateSession(r.Context(), sessionID, user.ID, tokenHash[:], csrfToken[:], expiresAt, ip, ua); err != nil {
		return time.Time{}, fmt.Errorf("creating session: %w", err)
	}

	if err := h.RS.SetSession(r.Context(), base64.RawURLEncoding.EncodeToString(tokenHash[:]), store.Session{
		ID:        sessionID,
		UserID:    user.ID,
		MisskeyID: user.MisskeyID,
		Instance:  user.Instance,
		TokenHash: tokenHash[:],
		CSRFToken: csrfToken[:],
		ExpiresAt: expiresAt,
	}, int(ttl.Seconds())); err != nil {
		logWarn(r, "failed to cache session in redis", "error", err)
	}

	SetSessionCookie(w, *token, expiresAt)
	return expiresAt, nil
}

// SetSessionCookie writes __Host-session cookie with HttpOnly, Secure, SameSite=Lax.
func SetSessionCookie(w http.ResponseWriter, rawToken [32]byte, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(rawToken[:]),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie overwrites __Host-session with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
