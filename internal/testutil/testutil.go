// Package testutil provides shared helpers for tests.
package testutil

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// PKCEPair returns a fresh PKCE verifier and its S256 challenge
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, S256Challenge(verifier)
}

// S256Challenge computes the S256 code challenge for a verifier
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
