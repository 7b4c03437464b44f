// misskey.go
//
// FakeMisskey is an in-process Misskey instance serving the token and profile endpoints.
// Shared by flow handler tests and router smoke tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// FakeMisskey records every token and profile request it receives.
// Responses default to a successful sign-in of user "alice"; override with SetToken/SetProfile.
type FakeMisskey struct {
	Server *httptest.Server

	mu            sync.Mutex
	tokenForms    []url.Values
	profileBodies []string
	profileAgents []string
	tokenStatus   int
	tokenBody     string
	profileStatus int
	profileBody   string
}

// NewFakeMisskey starts a FakeMisskey closed at test cleanup.
func NewFakeMisskey(t testing.TB) *FakeMisskey {
	t.Helper()
	f := &FakeMisskey{
		tokenStatus:   http.StatusOK,
		tokenBody:     `{"access_token":"tok","token_type":"bearer"}`,
		profileStatus: http.StatusOK,
		profileBody:   `{"id":"1","username":"alice","host":null}`,
	}
	mux := chi.NewRouter()
	mux.Post("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm)
		status, body := f.tokenStatus, f.tokenBody
		f.mu.Unlock()
		writeJSON(w, status, body)
	})
	mux.Post("/api/i", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.profileBodies = append(f.profileBodies, string(b))
		f.profileAgents = append(f.profileAgents, r.UserAgent())
		status, body := f.profileStatus, f.profileBody
		f.mu.Unlock()
		writeJSON(w, status, body)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// URL is the instance base URL, usable as an issuer.
func (f *FakeMisskey) URL() string { return f.Server.URL }

// SetToken sets the token endpoint's response.
func (f *FakeMisskey) SetToken(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus, f.tokenBody = status, body
}

// SetProfile sets the profile endpoint's response.
func (f *FakeMisskey) SetProfile(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileStatus, f.profileBody = status, body
}

// Calls returns how many token and profile requests were served.
func (f *FakeMisskey) Calls() (token, profile int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokenForms), len(f.profileBodies)
}

// TokenForm returns the form of the i-th token request.
func (f *FakeMisskey) TokenForm(i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenForms[i]
}

// ProfileRequest returns the body and User-Agent of the i-th profile request.
func (f *FakeMisskey) ProfileRequest(i int) (body, userAgent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profileBodies[i], f.profileAgents[i]
}

// Client returns an HTTP client that sends every request to the fake instance whatever its
// host, so flows can use issuers like https://example.social.
func (f *FakeMisskey) Client() *http.Client {
	target, _ := url.Parse(f.Server.URL)
	return &http.Client{Transport: rewriteTransport{target: target}}
}

type rewriteTransport struct{ target *url.URL }

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}
