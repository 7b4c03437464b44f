// decode.go -- Typed decoders for Misskey's token and profile responses.
//
// Both endpoints return loosely-typed JSON. Each decoder either yields the expected shape or a
// structured error; unexpected shapes wrap ErrUnexpectedShape instead of producing empty fields.
package oauth

import (
	"encoding/json"
	"fmt"
)

// TokenResponse is the decoded token endpoint response.
// Extra holds every top-level field, including the ones copied into typed fields.
type TokenResponse struct {
	AccessToken string
	TokenType   string
	Scope       string
	Extra       map[string]any
}

// Profile is the snapshot returned by POST /api/i. Raw keeps every field the instance sent.
type Profile struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	Name        *string `json:"name"`
	Host        *string `json:"host"`
	AvatarURL   *string `json:"avatarUrl"`
	Description *string `json:"description"`
	IsBot       bool    `json:"isBot"`

	Raw map[string]json.RawMessage `json:"-"`
}

// DecodeTokenResponse decodes body from the token endpoint.
// A present error marker yields a TokenExchangeError carrying the provider's description;
// a non-object body or a missing access_token yields a TokenExchangeError wrapping ErrUnexpectedShape.
func DecodeTokenResponse(body []byte) (TokenResponse, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return TokenResponse{}, TokenExchangeError("", nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err))
	}
	if raw == nil {
		return TokenResponse{}, TokenExchangeError("", nil, fmt.Errorf("%w: null body", ErrUnexpectedShape))
	}

	if hasErrorMarker(raw) {
		return TokenResponse{}, TokenExchangeError(errorDescription(raw), raw, ErrProviderError)
	}

	accessToken, _ := raw["access_token"].(string)
	if accessToken == "" {
		return TokenResponse{}, TokenExchangeError("", raw, fmt.Errorf("%w: missing access_token", ErrUnexpectedShape))
	}

	tokenType, _ := raw["token_type"].(string)
	scope, _ := raw["scope"].(string)
	return TokenResponse{
		AccessToken: accessToken,
		TokenType:   tokenType,
		Scope:       scope,
		Extra:       raw,
	}, nil
}

// DecodeProfile decodes body from /api/i. id and username are required.
func DecodeProfile(body []byte) (Profile, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	if raw == nil {
		return Profile{}, fmt.Errorf("%w: null body", ErrUnexpectedShape)
	}

	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	if p.ID == "" || p.Username == "" {
		return Profile{}, fmt.Errorf("%w: profile missing id or username", ErrUnexpectedShape)
	}
	p.Raw = raw
	return p, nil
}

// MarshalJSON emits every field the instance returned, with the typed fields
// (including a decorated host) taking precedence.
func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Raw)+7)
	for k, v := range p.Raw {
		out[k] = v
	}
	out["id"] = p.ID
	out["username"] = p.Username
	out["name"] = p.Name
	out["host"] = p.Host
	out["avatarUrl"] = p.AvatarURL
	out["description"] = p.Description
	out["isBot"] = p.IsBot
	return json.Marshal(out)
}

// hasErrorMarker reports whether raw carries a non-empty "error" field.
func hasErrorMarker(raw map[string]any) bool {
	v, ok := raw["error"]
	if !ok || v == nil {
		return false
	}
	switch e := v.(type) {
	case string:
		return e != ""
	case bool:
		return e
	}
	return true
}

// errorDescription finds the provider's description wherever Misskey or plain RFC 6749 puts it:
// error.data.error_description, error.error_description, error.message, top-level
// error_description, or the error code itself when it is a string.
func errorDescription(raw map[string]any) string {
	if e, ok := raw["error"].(map[string]any); ok {
		if data, ok := e["data"].(map[string]any); ok {
			if d, ok := data["error_description"].(string); ok && d != "" {
				return d
			}
		}
		if d, ok := e["error_description"].(string); ok && d != "" {
			return d
		}
		if d, ok := e["message"].(string); ok && d != "" {
			return d
		}
	}
	if d, ok := raw["error_description"].(string); ok && d != "" {
		return d
	}
	if code, ok := raw["error"].(string); ok {
		return code
	}
	return ""
}
