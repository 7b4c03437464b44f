// pkce.go -- PKCE (RFC 7636) verifier and S256 challenge generation.
package oauth

import "golang.org/x/oauth2"

// PKCEPair is a fresh verifier and its derived challenge, generated once per redirect-out.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a new pair. The verifier is 32 bytes from crypto/rand, base64url-encoded
// (43 chars); the challenge is base64url(SHA-256(verifier)) without padding.
func GeneratePKCE() PKCEPair {
	verifier := oauth2.GenerateVerifier()
	return PKCEPair{
		Verifier:  verifier,
		Challenge: ChallengeFromVerifier(verifier),
	}
}

// ChallengeFromVerifier derives the S256 challenge for verifier.
func ChallengeFromVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ChallengeMethod is always S256; the plain method is never offered.
func ChallengeMethod() string { return "S256" }
