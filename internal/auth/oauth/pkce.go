// Package oauth implements the credential acquisition flows used by the
// gateway: the RFC 8628 device-code flow and the authorization-code flow with
// a local callback listener. Both use PKCE (S256) and share per-provider
// endpoint and client-credential resolution.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCE holds a verifier/challenge pair for the S256 code challenge method.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a 32-byte random verifier and its SHA-256 challenge,
// both base64url-encoded without padding.
func GeneratePKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
	}, nil
}
