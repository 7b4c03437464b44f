// misskey.go -- Outbound Misskey calls: authorization URL, token exchange, profile lookup.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// MisskeyClient performs the two outbound calls of a callback: token exchange then profile fetch.
// Safe for concurrent use; holds no per-flow state.
type MisskeyClient struct {
	httpClient *http.Client
}

// NewMisskeyClient returns a client using httpClient, or a client with the given timeout when nil.
// No retries: any failure is terminal for the flow instance.
func NewMisskeyClient(httpClient *http.Client, timeout time.Duration) *MisskeyClient {
	if httpClient == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &MisskeyClient{httpClient: httpClient}
}

// AuthCodeURL builds the authorization redirect with the PKCE S256 challenge embedded.
// AuthorizationParams are applied last and may override the computed parameters.
func (c *MisskeyClient) AuthCodeURL(cfg FlowConfig, redirectURI string, pkce PKCEPair) (string, error) {
	if _, err := url.Parse(cfg.AuthorizationURL); err != nil {
		return "", ConfigurationError("Invalid Misskey authorization URL.", err)
	}
	conf := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      cfg.EffectiveScope(),
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationURL},
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethod()),
	}
	for k, v := range cfg.AuthorizationParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	// No state: the verifier cookie binds the callback to this browser.
	return conf.AuthCodeURL("", opts...), nil
}

// Exchange trades the authorization code and verifier for an access token.
// Every failure is returned as a *FlowError of kind KindTokenExchange.
func (c *MisskeyClient) Exchange(ctx context.Context, cfg FlowConfig, redirectURI, code, verifier string) (TokenResponse, error) {
	body := url.Values{
		"client_id":     {cfg.ClientID},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURI},
		"code":          {code},
		"code_verifier": {verifier},
		"scope":         {strings.Join(cfg.EffectiveScope(), " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(body.Encode()))
	if err != nil {
		return TokenResponse{}, TokenExchangeError("", nil, fmt.Errorf("building token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, TokenExchangeError("", nil, fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TokenResponse{}, TokenExchangeError("", nil, fmt.Errorf("reading token response: %w", err))
	}

	// A provider error marker wins over the status code so its description reaches the caller.
	tokens, err := DecodeTokenResponse(raw)
	if err != nil {
		return TokenResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenResponse{}, TokenExchangeError("", tokens.Extra, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}
	return tokens, nil
}

// FetchProfile looks up the signed-in account. Misskey takes the token as the "i" field of a
// JSON body rather than a bearer header. Every failure is a *FlowError of kind KindProfileFetch.
func (c *MisskeyClient) FetchProfile(ctx context.Context, cfg FlowConfig, accessToken string) (Profile, error) {
	payload, err := json.Marshal(struct {
		I string `json:"i"`
	}{accessToken})
	if err != nil {
		return Profile{}, ProfileFetchError(fmt.Errorf("encoding profile request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Issuer+"/api/i", bytes.NewReader(payload))
	if err != nil {
		return Profile{}, ProfileFetchError(fmt.Errorf("building profile request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, ProfileFetchError(fmt.Errorf("profile request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Profile{}, ProfileFetchError(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Profile{}, ProfileFetchError(fmt.Errorf("reading profile response: %w", err))
	}
	p, err := DecodeProfile(raw)
	if err != nil {
		return Profile{}, ProfileFetchError(err)
	}
	return p, nil
}
