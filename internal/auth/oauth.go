// oauth.go -- Misskey sign-in flow handler (PKCE authorization-code flow).
//
// One route serves both phases: a request without ?code starts the flow and redirects to the
// instance's consent page; a request with ?code finishes it. Each request is an independent flow
// instance; the only shared state is read-only configuration.
package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/MGallo-Code/charon-misskey/internal/oauth"
)

var defaultMisskeyClient = oauth.NewMisskeyClient(nil, 0)

// FlowResult is handed by value to the success callback; the handler keeps no reference to it.
type FlowResult struct {
	Tokens oauth.TokenResponse
	User   oauth.Profile
	Issuer string
}

// SuccessFunc writes the response for a completed flow. Its error is returned by Handle unchanged.
type SuccessFunc func(w http.ResponseWriter, r *http.Request, res FlowResult) error

// ErrorFunc writes the response for a failed flow.
type ErrorFunc func(w http.ResponseWriter, r *http.Request, err *oauth.FlowError) error

// FlowHandler drives START -> REDIRECTING, or START -> EXCHANGING -> FETCHING_PROFILE -> SUCCEEDED,
// with FAILED reachable from every state.
type FlowHandler struct {
	// Config layers below the per-request ?issuer override, highest first.
	Static   oauth.Options
	Env      oauth.Options
	Defaults oauth.Options

	Store  VerifierStore        // nil: CookieVerifierStore scoped to the request path
	Client *oauth.MisskeyClient // nil: client with the default timeout

	OnSuccess SuccessFunc
	OnError   ErrorFunc // nil: failures are returned from Handle
}

// ServeHTTP runs Handle. A failure that escapes (no OnError, or a callback error) is written as
// its status code and message.
func (h *FlowHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.Handle(w, r)
	if err == nil {
		return
	}
	if fe, ok := oauth.AsFlowError(err); ok {
		writeMessage(w, fe.StatusCode, fe.Message)
		return
	}
	InternalServerError(w, r, err)
}

// Handle runs one flow instance for r.
func (h *FlowHandler) Handle(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	override := oauth.Options{Issuer: q.Get("issuer")}

	code := q.Get("code")
	if code == "" {
		// The instance redirects back with ?error when the user declines; restarting would loop.
		if e := q.Get("error"); e != "" {
			return h.fail(w, r, oauth.AuthorizationDenied(e, q.Get("error_description")))
		}
		return h.redirect(w, r, override)
	}
	return h.callback(w, r, override, code)
}

func (h *FlowHandler) resolve(override oauth.Options) oauth.FlowConfig {
	return oauth.Resolve(override, h.Static, h.Env, h.Defaults)
}

// redirect is START -> REDIRECTING. No token material is written in this phase.
func (h *FlowHandler) redirect(w http.ResponseWriter, r *http.Request, override oauth.Options) error {
	cfg := h.resolve(override)
	if err := cfg.Validate(true); err != nil {
		return h.fail(w, r, err)
	}

	pkce := oauth.GeneratePKCE()
	authURL, err := h.client().AuthCodeURL(cfg, callbackURL(r, cfg), pkce)
	if err != nil {
		return h.fail(w, r, err)
	}
	st := FlowState{Verifier: pkce.Verifier, Issuer: override.Issuer}
	if err := h.store().Put(w, r, st, VerifierTTL); err != nil {
		return h.fail(w, r, oauth.InternalError(err))
	}

	logDebug(r, "misskey flow redirecting", "flow_state", "redirecting", "issuer", cfg.Issuer)
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// callback is START -> EXCHANGING -> FETCHING_PROFILE -> SUCCEEDED.
func (h *FlowHandler) callback(w http.ResponseWriter, r *http.Request, override oauth.Options, code string) error {
	cfg := h.resolve(override)
	if err := cfg.Validate(false); err != nil {
		return h.fail(w, r, err)
	}

	vs := h.store()
	st, err := vs.Get(r)
	// Single use regardless of outcome: a replayed callback must not find the verifier again,
	// and an unreadable one is cleared rather than left until it expires.
	if derr := vs.Delete(w, r); derr != nil {
		logWarn(r, "misskey flow: failed to delete verifier", "error", derr)
	}
	if err != nil {
		if errors.Is(err, oauth.ErrVerifierNotFound) {
			return h.fail(w, r, oauth.PKCEStateError(err))
		}
		return h.fail(w, r, oauth.InternalError(err))
	}

	// The issuer chosen at redirect time wins: the code was issued by that instance.
	if st.Issuer != "" && st.Issuer != override.Issuer {
		override.Issuer = st.Issuer
		cfg = h.resolve(override)
		if err := cfg.Validate(false); err != nil {
			return h.fail(w, r, err)
		}
	}

	logDebug(r, "misskey flow exchanging code", "flow_state", "exchanging", "issuer", cfg.Issuer)
	tokens, err := h.client().Exchange(r.Context(), cfg, callbackURL(r, cfg), code, st.Verifier)
	if err != nil {
		return h.fail(w, r, err)
	}

	logDebug(r, "misskey flow fetching profile", "flow_state", "fetching_profile", "issuer", cfg.Issuer)
	profile, err := h.client().FetchProfile(r.Context(), cfg, tokens.AccessToken)
	if err != nil {
		return h.fail(w, r, err)
	}
	decorateHost(&profile, cfg)

	logInfo(r, "misskey flow succeeded", "flow_state", "succeeded", "issuer", cfg.Issuer, "misskey_id", profile.ID)
	if h.OnSuccess == nil {
		return h.fail(w, r, oauth.ConfigurationError("Misskey login has no success handler", nil))
	}
	return h.OnSuccess(w, r, FlowResult{Tokens: tokens, User: profile, Issuer: cfg.Issuer})
}

// fail is the FAILED transition: route to OnError if registered, else return the error.
func (h *FlowHandler) fail(w http.ResponseWriter, r *http.Request, err error) error {
	fe, ok := oauth.AsFlowError(err)
	if !ok {
		fe = oauth.InternalError(err)
	}

	args := []any{"flow_state", "failed", "kind", fe.Kind, "status", fe.StatusCode, "message", fe.Message}
	if fe.Err != nil {
		args = append(args, "error", fe.Err)
	}
	if fe.StatusCode >= http.StatusInternalServerError {
		logError(r, "misskey flow failed", args...)
	} else {
		logWarn(r, "misskey flow failed", args...)
	}

	if h.OnError == nil {
		return fe
	}
	return h.OnError(w, r, fe)
}

func (h *FlowHandler) store() VerifierStore {
	if h.Store == nil {
		return &CookieVerifierStore{}
	}
	return h.Store
}

func (h *FlowHandler) client() *oauth.MisskeyClient {
	if h.Client == nil {
		return defaultMisskeyClient
	}
	return h.Client
}

// callbackURL is the redirect_uri sent in both phases: the configured RedirectURL, or the URL of
// the current request, with query and fragment stripped either way so both phases agree.
func callbackURL(r *http.Request, cfg oauth.FlowConfig) string {
	var u *url.URL
	if cfg.RedirectURL != "" {
		if parsed, err := url.Parse(cfg.RedirectURL); err == nil {
			u = parsed
		}
	}
	if u == nil {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		} else if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			proto, _, _ = strings.Cut(proto, ",")
			if p := strings.ToLower(strings.TrimSpace(proto)); p == "https" || p == "http" {
				scheme = p
			}
		}
		u = &url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path}
	}

	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// decorateHost sets the profile's host to the issuer's host when a non-default instance was used.
// Users of the default instance keep whatever host the instance returned (null for local users).
func decorateHost(p *oauth.Profile, cfg oauth.FlowConfig) {
	if cfg.Issuer == "" || cfg.IsDefaultIssuer() {
		return
	}
	host, err := oauth.IssuerHost(cfg.Issuer)
	if err != nil {
		return
	}
	p.Host = &host
}
