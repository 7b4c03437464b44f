// handler_test.go

// unit tests for the Misskey flow callbacks, Me, Logout, and CheckHealth.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/oauth"
	"github.com/MGallo-Code/charon-misskey/internal/store"
	"github.com/MGallo-Code/charon-misskey/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

// assertUnauthorized checks response is 401 JSON with the given message.
func assertUnauthorized(t *testing.T, w *httptest.ResponseRecorder, message string) {
	t.Helper()
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: expected 401, got %d", w.Code)
	}
	want := `{"message":"` + message + `"}`
	if body := strings.TrimSpace(w.Body.String()); body != want {
		t.Errorf("body: expected %s, got %s", want, body)
	}
}

// findCookie returns the named Set-Cookie from a recorded response, or nil.
func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }

// withSession injects what RequireAuth would for userID.
func withSession(r *http.Request, userID uuid.UUID, tokenHash, csrf []byte) *http.Request {
	return r.WithContext(withSignedIn(r.Context(), SignedIn{
		UserID:    userID,
		MisskeyID: "9abc",
		Instance:  "example.social",
		TokenHash: tokenHash,
		CSRFToken: csrf,
	}))
}

func sampleResult(issuer string) FlowResult {
	return FlowResult{
		Tokens: oauth.TokenResponse{AccessToken: "at-1", TokenType: "bearer"},
		User: oauth.Profile{
			ID:        "9abc",
			Username:  "alice",
			Name:      strPtr("Alice"),
			AvatarURL: strPtr("https://cdn.example/a.png"),
		},
		Issuer: issuer,
	}
}

// --- OnMisskeySuccess ---

func TestOnMisskeySuccess(t *testing.T) {
	t.Run("records user, issues session, and redirects", func(t *testing.T) {
		ms := testutil.NewMockStore()
		mc := testutil.NewMockCache()
		h := &AuthHandler{PS: ms, RS: mc, SessionTTL: time.Hour, LoginRedirect: "/home"}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/auth/misskey?code=c", nil)

		if err := h.OnMisskeySuccess(w, r, sampleResult("https://example.social")); err != nil {
			t.Fatalf("OnMisskeySuccess: %v", err)
		}

		if w.Code != http.StatusFound {
			t.Errorf("status: expected 302, got %d", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "/home" {
			t.Errorf("Location: expected /home, got %q", loc)
		}
		if len(ms.Upserts) != 1 {
			t.Fatalf("upserts: expected 1, got %d", len(ms.Upserts))
		}
		ident := ms.Upserts[0]
		if ident.MisskeyID != "9abc" || ident.Instance != "example.social" || ident.Username != "alice" {
			t.Errorf("identity: unexpected %+v", ident)
		}
		if len(ms.Sessions) != 1 {
			t.Errorf("sessions: expected 1, got %d", len(ms.Sessions))
		}
		if mc.Len() != 1 {
			t.Errorf("cached sessions: expected 1, got %d", mc.Len())
		}

		c := findCookie(w, SessionCookieName)
		if c == nil {
			t.Fatal("session cookie not set")
		}
		if !c.HttpOnly || !c.Secure || c.Path != "/" || c.SameSite != http.SameSiteLaxMode {
			t.Errorf("session cookie attributes: unexpected %+v", c)
		}
	})

	t.Run("repeat sign-in reuses the local user", func(t *testing.T) {
		ms := testutil.NewMockStore()
		h := &AuthHandler{PS: ms, RS: testutil.NewMockCache()}
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/auth/misskey?code=c", nil)
			if err := h.OnMisskeySuccess(w, r, sampleResult(oauth.DefaultIssuer)); err != nil {
				t.Fatalf("OnMisskeySuccess: %v", err)
			}
			if loc := w.Header().Get("Location"); loc != "/" {
				t.Errorf("Location: expected default /, got %q", loc)
			}
		}
		if len(ms.Users) != 1 {
			t.Errorf("users: expected 1, got %d", len(ms.Users))
		}
		if len(ms.Sessions) != 2 {
			t.Errorf("sessions: expected 2, got %d", len(ms.Sessions))
		}
	})

	t.Run("cache failure is non-fatal", func(t *testing.T) {
		h := &AuthHandler{PS: testutil.NewMockStore(), RS: &testutil.MockCache{SetSessionErr: errors.New("redis down")}}
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/auth/misskey?code=c", nil)
		if err := h.OnMisskeySuccess(w, r, sampleResult(oauth.DefaultIssuer)); err != nil {
			t.Fatalf("OnMisskeySuccess: %v", err)
		}
		if findCookie(w, SessionCookieName) == nil {
			t.Error("session cookie not set")
		}
	})

	t.Run("store failures are returned", func(t *testing.T) {
		cases := map[string]*testutil.MockStore{
			"upsert":         {UpsertUserErr: errors.New("db down")},
			"create session": {CreateSessionErr: errors.New("db down")},
		}
		for name, ms := range cases {
			h := &AuthHandler{PS: ms, RS: testutil.NewMockCache()}
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/auth/misskey?code=c", nil)
			if err := h.OnMisskeySuccess(w, r, sampleResult(oauth.DefaultIssuer)); err == nil {
				t.Errorf("%s: expected error, got nil", name)
			}
			if findCookie(w, SessionCookieName) != nil {
				t.Errorf("%s: session cookie should not be set", name)
			}
		}
	})
}

// --- OnMisskeyError ---

func TestOnMisskeyError(t *testing.T) {
	h := &AuthHandler{ErrorRedirect: "/login?from=misskey"}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/auth/misskey?code=c", nil)

	if err := h.OnMisskeyError(w, r, oauth.PKCEStateError(oauth.ErrVerifierNotFound)); err != nil {
		t.Fatalf("OnMisskeyError: %v", err)
	}
	if w.Code != http.StatusFound {
		t.Errorf("status: expected 302, got %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	if loc.Path != "/login" {
		t.Errorf("path: expected /login, got %q", loc.Path)
	}
	if got := loc.Query().Get("error"); got != string(oauth.KindPKCEState) {
		t.Errorf("error param: expected %q, got %q", oauth.KindPKCEState, got)
	}
	if got := loc.Query().Get("from"); got != "misskey" {
		t.Errorf("existing query: expected from=misskey, got %q", got)
	}
}

// --- Me ---

func TestMe(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	user := &store.User{ID: userID, MisskeyID: "9abc", Instance: "misskey.io", Username: "alice", Name: strPtr("Alice")}
	csrf := make([]byte, 32)
	csrf[0] = 7

	t.Run("returns profile and csrf token", func(t *testing.T) {
		h := &AuthHandler{PS: testutil.NewMockStore(user), RS: testutil.NewMockCache()}
		w := httptest.NewRecorder()
		r := withSession(httptest.NewRequest(http.MethodGet, "/me", nil), userID, []byte("h"), csrf)

		h.Me(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		var body map[string]any
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body["user_id"] != userID.String() || body["username"] != "alice" || body["instance"] != "misskey.io" {
			t.Errorf("body: unexpected %v", body)
		}
		if body["csrf_token"] != base64.RawURLEncoding.EncodeToString(csrf) {
			t.Errorf("csrf_token: expected encoded session token, got %v", body["csrf_token"])
		}
	})

	t.Run("missing user returns Unauthorized", func(t *testing.T) {
		h := &AuthHandler{PS: testutil.NewMockStore(), RS: testutil.NewMockCache()}
		w := httptest.NewRecorder()
		r := withSession(httptest.NewRequest(http.MethodGet, "/me", nil), userID, []byte("h"), csrf)
		h.Me(w, r)
		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("no session context returns 500", func(t *testing.T) {
		h := &AuthHandler{PS: testutil.NewMockStore(user), RS: testutil.NewMockCache()}
		w := httptest.NewRecorder()
		h.Me(w, httptest.NewRequest(http.MethodGet, "/me", nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status: expected 500, got %d", w.Code)
		}
	})
}

// --- Logout ---

func TestLogout(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	hash := []byte("0123456789abcdef0123456789abcdef")
	cacheKey := base64.RawURLEncoding.EncodeToString(hash)

	newHandler := func() (*AuthHandler, *testutil.MockStore, *testutil.MockCache) {
		ms := testutil.NewMockStore()
		ms.Sessions = pgSession(userID, hash, []byte("csrf"), time.Now().Add(time.Hour))
		mc := testutil.NewMockCache()
		mc.Sessions[cacheKey] = &store.CachedSession{UserID: userID}
		return &AuthHandler{PS: ms, RS: mc}, ms, mc
	}

	t.Run("deletes session everywhere and clears cookie", func(t *testing.T) {
		h, ms, mc := newHandler()
		w := httptest.NewRecorder()
		h.Logout(w, withSession(httptest.NewRequest(http.MethodPost, "/logout", nil), userID, hash, nil))

		if w.Code != http.StatusOK {
			t.Errorf("status: expected 200, got %d", w.Code)
		}
		if len(ms.Sessions) != 0 || mc.Len() != 0 {
			t.Errorf("sessions left: postgres=%d cache=%d", len(ms.Sessions), mc.Len())
		}
		if c := findCookie(w, SessionCookieName); c == nil || c.MaxAge != -1 {
			t.Errorf("session cookie: expected cleared, got %+v", c)
		}
	})

	t.Run("cache failure is non-fatal", func(t *testing.T) {
		h, ms, _ := newHandler()
		h.RS = &testutil.MockCache{DeleteSessionErr: errors.New("redis down")}
		w := httptest.NewRecorder()
		h.Logout(w, withSession(httptest.NewRequest(http.MethodPost, "/logout", nil), userID, hash, nil))
		if w.Code != http.StatusOK || len(ms.Sessions) != 0 {
			t.Errorf("expected 200 with session deleted, got %d (%d left)", w.Code, len(ms.Sessions))
		}
	})

	t.Run("database failure returns 500", func(t *testing.T) {
		h, ms, _ := newHandler()
		ms.DeleteSessionErr = errors.New("db down")
		w := httptest.NewRecorder()
		h.Logout(w, withSession(httptest.NewRequest(http.MethodPost, "/logout", nil), userID, hash, nil))
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status: expected 500, got %d", w.Code)
		}
	})
}

// --- CheckHealth ---

func TestCheckHealth(t *testing.T) {
	cases := []struct {
		name        string
		ps          *testutil.MockStore
		rs          SessionCache
		vs          VerifierStore
		wantStatus  int
		wantRedis   string
		wantBackend string // empty: verifier_store omitted
		wantVerify  string
	}{
		{"all healthy", testutil.NewMockStore(), testutil.NewMockCache(), nil, http.StatusOK, "ok", "", ""},
		{"cache disabled", testutil.NewMockStore(), store.NoopSessionCache{}, nil, http.StatusOK, "disabled", "", ""},
		{"redis down", testutil.NewMockStore(), &testutil.MockCache{HealthErr: errors.New("down")}, nil, http.StatusServiceUnavailable, "error", "", ""},
		{"postgres down", &testutil.MockStore{HealthErr: errors.New("down")}, testutil.NewMockCache(), nil, http.StatusServiceUnavailable, "ok", "", ""},
		{"cookie verifiers", testutil.NewMockStore(), store.NoopSessionCache{}, &CookieVerifierStore{}, http.StatusOK, "disabled", "cookie", "ok"},
		{"memory verifiers", testutil.NewMockStore(), store.NoopSessionCache{},
			&ServerVerifierStore{Secrets: store.NewMemorySecretStore(time.Minute)}, http.StatusOK, "disabled", "memory", "ok"},
		{"verifier backend down", testutil.NewMockStore(), testutil.NewMockCache(),
			&ServerVerifierStore{Secrets: &testutil.MockSecretStore{HealthErr: errors.New("down")}}, http.StatusServiceUnavailable, "ok", "server", "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &AuthHandler{PS: tc.ps, RS: tc.rs, Verifiers: tc.vs}
			w := httptest.NewRecorder()
			h.CheckHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tc.wantStatus {
				t.Errorf("status: expected %d, got %d", tc.wantStatus, w.Code)
			}
			var body struct {
				Postgres      string
				Redis         string
				VerifierStore *struct{ Backend, Status string } `json:"verifier_store"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Redis != tc.wantRedis {
				t.Errorf("redis: expected %q, got %q", tc.wantRedis, body.Redis)
			}
			switch {
			case tc.wantBackend == "" && body.VerifierStore != nil:
				t.Errorf("verifier_store: expected omitted, got %+v", body.VerifierStore)
			case tc.wantBackend != "" && body.VerifierStore == nil:
				t.Error("verifier_store: expected reported, got omitted")
			case tc.wantBackend != "":
				if body.VerifierStore.Backend != tc.wantBackend || body.VerifierStore.Status != tc.wantVerify {
					t.Errorf("verifier_store: expected %s/%s, got %+v", tc.wantBackend, tc.wantVerify, body.VerifierStore)
				}
			}
		})
	}
}
