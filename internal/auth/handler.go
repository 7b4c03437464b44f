// handler.go -- Application side of Misskey sign-in: the flow callbacks, /me, /logout.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/oauth"
	"github.com/MGallo-Code/charon-misskey/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// SessionCache defines session cache operations needed by auth handlers.
// Satisfied by *store.RedisStore and *store.NoopSessionCache -- defined here (at consumer) per Go convention.
type SessionCache interface {
	// GetSession retrieves cached session by token hash. Returns store.ErrCacheMiss on miss.
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)

	// SetSession caches session with given TTL in seconds.
	SetSession(ctx context.Context, tokenHash string, sessionData store.Session, ttl int) error

	// DeleteSession removes a cached session.
	DeleteSession(ctx context.Context, tokenHash string) error

	CheckHealth(ctx context.Context) error
}

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore.
type Store interface {
	// UpsertMisskeyUser creates or refreshes the local record for a Misskey account.
	UpsertMisskeyUser(ctx context.Context, id uuid.UUID, ident store.MisskeyIdentity) (*store.User, error)

	// GetUserByID returns pgx.ErrNoRows if the user does not exist.
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// CreateSession inserts new session row with token hash and CSRF token.
	CreateSession(ctx context.Context, id uuid.UUID, userID uuid.UUID, tokenHash []byte, csrfToken []byte, expiresAt time.Time, ip *string, userAgent *string) error

	// GetSessionByTokenHash returns pgx.ErrNoRows if not found or expired.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// DeleteSession removes single session row by token hash.
	DeleteSession(ctx context.Context, tokenHash []byte) error

	CheckHealth(ctx context.Context) error
}

// AuthHandler holds dependencies for the application handlers and middleware.
type AuthHandler struct {
	PS Store
	RS SessionCache

	// Verifiers is the flow's verifier store, reported by /health. Nil leaves it out.
	Verifiers VerifierStore

	SessionTTL    time.Duration
	LoginRedirect string // where a signed-in browser lands
	ErrorRedirect string // where a failed sign-in lands, with ?error=<kind>
}

// OnMisskeySuccess is the flow's success callback: it records the Misskey account, issues a
// session, and redirects to LoginRedirect. The access token is not persisted.
func (h *AuthHandler) OnMisskeySuccess(w http.ResponseWriter, r *http.Request, res FlowResult) error {
	instance, err := oauth.IssuerHost(res.Issuer)
	if err != nil {
		return fmt.Errorf("resolving instance host: %w", err)
	}

	userID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating user id: %w", err)
	}
	user, err := h.PS.UpsertMisskeyUser(r.Context(), userID, store.MisskeyIdentity{
		MisskeyID:   res.User.ID,
		Instance:    instance,
		Username:    res.User.Username,
		Name:        res.User.Name,
		AvatarURL:   res.User.AvatarURL,
		Description: res.User.Description,
		IsBot:       res.User.IsBot,
	})
	if err != nil {
		return fmt.Errorf("recording misskey user: %w", err)
	}

	if _, err := h.issueSession(w, r, user); err != nil {
		return err
	}

	logInfo(r, "misskey user signed in", "user_id", user.ID, "instance", instance, "username", user.Username)
	http.Redirect(w, r, h.loginRedirect(), http.StatusFound)
	return nil
}

// OnMisskeyError is the flow's error callback: it sends the browser back to ErrorRedirect
// with the failure kind. Details stay in the logs.
func (h *AuthHandler) OnMisskeyError(w http.ResponseWriter, r *http.Request, fe *oauth.FlowError) error {
	target := h.ErrorRedirect
	if target == "" {
		target = "/login"
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parsing error redirect: %w", err)
	}
	q := u.Query()
	q.Set("error", string(fe.Kind))
	u.RawQuery = q.Encode()

	http.Redirect(w, r, u.String(), http.StatusFound)
	return nil
}

// Me handles GET /me -- returns the signed-in user's stored profile and the session CSRF token.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	s, ok := SignedInFromContext(r.Context())
	if !ok {
		logError(r, "me called without session in context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), s.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logWarn(r, "session references missing user", "user_id", s.UserID, "account", s.Handle())
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		UserID      string    `json:"user_id"`
		MisskeyID   string    `json:"misskey_id"`
		Instance    string    `json:"instance"`
		Username    string    `json:"username"`
		Name        *string   `json:"name"`
		AvatarURL   *string   `json:"avatar_url"`
		Description *string   `json:"description"`
		IsBot       bool      `json:"is_bot"`
		LastLoginAt time.Time `json:"last_login_at"`
		CSRFToken   string    `json:"csrf_token"`
	}{
		UserID:      user.ID.String(),
		MisskeyID:   user.MisskeyID,
		Instance:    user.Instance,
		Username:    user.Username,
		Name:        user.Name,
		AvatarURL:   user.AvatarURL,
		Description: user.Description,
		IsBot:       user.IsBot,
		LastLoginAt: user.LastLoginAt,
		CSRFToken:   base64.RawURLEncoding.EncodeToString(s.CSRFToken),
	})
}

// Logout handles POST /logout -- ends the authenticated session.
// Deletes from Redis (non-fatal) then Postgres (fatal), clears cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s, ok := SignedInFromContext(r.Context())
	if !ok {
		logError(r, "logout called without session in context")
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.RS.DeleteSession(r.Context(), base64.RawURLEncoding.EncodeToString(s.TokenHash)); err != nil {
		logWarn(r, "failed to delete session from redis", "error", err)
	}

	if err := h.PS.DeleteSession(r.Context(), s.TokenHash); err != nil {
		logError(r, "failed to delete session from database", "error", err)
		InternalServerError(w, r, err)
		return
	}

	ClearSessionCookie(w)
	logInfo(r, "user logged out", "user_id", s.UserID, "account", s.Handle())
	OK(w, "logged out")
}

func (h *AuthHandler) loginRedirect() string {
	if h.LoginRedirect == "" {
		return "/"
	}
	return h.LoginRedirect
}
