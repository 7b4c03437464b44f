// errors.go -- Flow error kinds and the structured error handed to error callbacks.
package oauth

import (
	"errors"
	"net/http"
)

// Sentinel causes wrapped inside FlowError. Callers use errors.Is to tell them apart.
var (
	ErrMissingClientID  = errors.New("missing client id")
	ErrMissingIssuer    = errors.New("missing issuer")
	ErrInvalidIssuer    = errors.New("issuer must be an absolute http(s) url")
	ErrVerifierNotFound = errors.New("pkce code verifier not found")
	ErrProviderError    = errors.New("provider returned an error")
	ErrUnexpectedShape  = errors.New("unexpected response shape")
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// Kind classifies a failed flow.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindPKCEState     Kind = "pkce_state"
	KindTokenExchange Kind = "token_exchange"
	KindProfileFetch  Kind = "profile_fetch"
	KindInternal      Kind = "internal"
)

// FlowError is the terminal error of a failed flow instance.
// It carries an HTTP status and a message; rendering is left to the error callback.
type FlowError struct {
	Kind       Kind
	StatusCode int
	Message    string
	// Data holds the decoded provider response when the provider reported the error.
	Data map[string]any
	Err  error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *FlowError) Unwrap() error { return e.Err }

// ConfigurationError reports a missing or invalid client ID or issuer (500).
func ConfigurationError(message string, err error) *FlowError {
	return &FlowError{Kind: KindConfiguration, StatusCode: http.StatusInternalServerError, Message: message, Err: err}
}

// PKCEStateError reports a callback with no stored verifier (401).
func PKCEStateError(err error) *FlowError {
	return &FlowError{Kind: KindPKCEState, StatusCode: http.StatusUnauthorized, Message: "PKCE code verifier not found.", Err: err}
}

// TokenExchangeError reports a provider error or a transport/decode failure at the token endpoint (401).
func TokenExchangeError(description string, data map[string]any, err error) *FlowError {
	if description == "" {
		description = "Unknown error"
	}
	return &FlowError{
		Kind:       KindTokenExchange,
		StatusCode: http.StatusUnauthorized,
		Message:    "Misskey login failed: " + description,
		Data:       data,
		Err:        err,
	}
}

// ProfileFetchError reports a transport/status/decode failure at the profile endpoint (502).
func ProfileFetchError(err error) *FlowError {
	return &FlowError{Kind: KindProfileFetch, StatusCode: http.StatusBadGateway, Message: "Misskey profile fetch failed", Err: err}
}

// AsFlowError extracts a *FlowError from err, if any.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	ok := errors.As(err, &fe)
	return fe, ok
}

// InternalError reports an infrastructure failure outside the protocol, such as an unavailable
// verifier store (500).
func InternalError(err error) *FlowError {
	return &FlowError{Kind: KindInternal, StatusCode: http.StatusInternalServerError, Message: "Misskey login unavailable", Err: err}
}

// AuthorizationDenied reports an RFC 6749 error redirect (e.g. the user declined) on the callback (401).
func AuthorizationDenied(code, description string) *FlowError {
	if description == "" {
		description = code
	}
	return TokenExchangeError(description, map[string]any{"error": code}, ErrProviderError)
}
