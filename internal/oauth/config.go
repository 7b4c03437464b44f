// config.go -- Misskey flow configuration layers and the resolver that merges them.
package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// DefaultIssuer is the Misskey instance used when no layer names one.
const DefaultIssuer = "https://misskey.io"

// BaselineScope is the permission required to read the signed-in account via /api/i.
const BaselineScope = "read:account"

// DefaultUserAgent labels outbound profile requests when no layer sets one.
const DefaultUserAgent = "Charon Misskey Auth"

// Options is one configuration layer. Zero values mean "unset" so a lower layer can fill them;
// pointer booleans distinguish an explicit false from absence.
type Options struct {
	Issuer           string
	ClientID         string // Misskey client IDs are the URL of the app's introduction page
	Scope            []string
	EmailRequired    *bool
	ProfileRequired  *bool
	AuthorizationURL string // default: Issuer + "/oauth/authorize"
	TokenURL         string // default: Issuer + "/oauth/token"
	RedirectURL      string // default: derived from the inbound request
	UserAgent        string

	// AuthorizationParams are appended to the authorization URL last and may override computed params.
	AuthorizationParams map[string]string
}

// FlowConfig is the effective configuration for one exchange, after every layer is merged.
type FlowConfig struct {
	Issuer              string
	ClientID            string
	Scope               []string
	EmailRequired       bool
	ProfileRequired     bool
	AuthorizationURL    string
	TokenURL            string
	RedirectURL         string
	UserAgent           string
	AuthorizationParams map[string]string
}

// DefaultOptions returns the built-in lowest-precedence layer.
func DefaultOptions() Options {
	profileRequired := true
	return Options{
		Issuer:              DefaultIssuer,
		ProfileRequired:     &profileRequired,
		UserAgent:           DefaultUserAgent,
		AuthorizationParams: map[string]string{},
	}
}

// Resolve merges the layers field by field, highest precedence first:
// per-request override > static config > environment > defaults.
// AuthorizationParams merge key by key; every other field is taken whole from the highest layer that sets it.
func Resolve(override, static, env, defaults Options) FlowConfig {
	layers := []Options{override, static, env, defaults}

	var cfg FlowConfig
	for _, l := range layers {
		cfg.Issuer = firstString(cfg.Issuer, l.Issuer)
		cfg.ClientID = firstString(cfg.ClientID, l.ClientID)
		cfg.AuthorizationURL = firstString(cfg.AuthorizationURL, l.AuthorizationURL)
		cfg.TokenURL = firstString(cfg.TokenURL, l.TokenURL)
		cfg.RedirectURL = firstString(cfg.RedirectURL, l.RedirectURL)
		cfg.UserAgent = firstString(cfg.UserAgent, l.UserAgent)
		if cfg.Scope == nil && l.Scope != nil {
			cfg.Scope = slices.Clone(l.Scope)
		}
	}

	// Booleans: the highest layer with an explicit value wins.
	cfg.EmailRequired = firstBool(layers, func(o Options) *bool { return o.EmailRequired })
	cfg.ProfileRequired = firstBool(layers, func(o Options) *bool { return o.ProfileRequired })

	// Walk lowest to highest so higher layers overwrite individual keys.
	cfg.AuthorizationParams = map[string]string{}
	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i].AuthorizationParams {
			cfg.AuthorizationParams[k] = v
		}
	}

	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	if cfg.Issuer != "" {
		if cfg.AuthorizationURL == "" {
			cfg.AuthorizationURL = cfg.Issuer + "/oauth/authorize"
		}
		if cfg.TokenURL == "" {
			cfg.TokenURL = cfg.Issuer + "/oauth/token"
		}
	}
	if cfg.Scope == nil {
		cfg.Scope = []string{}
	}
	return cfg
}

// Validate checks the invariants that must hold before any network action.
// A missing client ID is always fatal; a missing issuer only on the redirect-out path,
// since the callback re-resolves the issuer exactly as the redirect did.
func (c FlowConfig) Validate(redirectOut bool) error {
	if c.ClientID == "" {
		return ConfigurationError("Missing Misskey client ID (MISSKEY_CLIENT_ID).", ErrMissingClientID)
	}
	if c.Issuer == "" {
		if redirectOut {
			return ConfigurationError("Missing Misskey issuer.", ErrMissingIssuer)
		}
		return nil
	}
	if _, err := IssuerHost(c.Issuer); err != nil {
		return ConfigurationError("Invalid Misskey issuer.", err)
	}
	return nil
}

// EffectiveScope returns the scope to request: the configured scope with BaselineScope
// appended when email or profile access is required, deduplicated in first-seen order.
// The configured slice is never modified.
func (c FlowConfig) EffectiveScope() []string {
	scope := make([]string, 0, len(c.Scope)+1)
	seen := make(map[string]bool, len(c.Scope)+1)
	for _, s := range c.Scope {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		scope = append(scope, s)
	}
	if (c.EmailRequired || c.ProfileRequired) && !seen[BaselineScope] {
		scope = append(scope, BaselineScope)
	}
	return scope
}

// IsDefaultIssuer reports whether the config points at DefaultIssuer.
func (c FlowConfig) IsDefaultIssuer() bool {
	return c.Issuer == DefaultIssuer
}

// IssuerHost returns the host component of an issuer URL.
// The issuer must be an absolute http(s) URL.
func IssuerHost(issuer string) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("parsing issuer: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidIssuer, issuer)
	}
	return u.Host, nil
}

// firstString keeps cur if already set, otherwise takes next.
func firstString(cur, next string) string {
	if cur != "" {
		return cur
	}
	return next
}

// firstBool returns the first explicitly set value across layers, false if none is set.
func firstBool(layers []Options, get func(Options) *bool) bool {
	for _, l := range layers {
		if v := get(l); v != nil {
			return *v
		}
	}
	return false
}
