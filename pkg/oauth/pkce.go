package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethodS256 is the PKCE code challenge method used for all flows
// (RFC 7636 recommends S256; the plain method is never used here).
const ChallengeMethodS256 = "S256"

// PKCEParams holds a PKCE code verifier and its derived challenge.
// The verifier lives only in process memory for the lifetime of one flow.
type PKCEParams struct {
	// Verifier is the unpadded base64url encoding of 32 random bytes
	Verifier string

	// Challenge is the unpadded base64url encoding of SHA-256(Verifier)
	Challenge string

	// Method is the challenge derivation method, always ChallengeMethodS256
	Method string
}

// String implements fmt.Stringer for PKCEParams, redacting the verifier.
func (p PKCEParams) String() string {
	verifier := "[REDACTED]"
	if p.Verifier == "" {
		verifier = "<empty>"
	}
	return fmt.Sprintf("PKCEParams{Verifier: %s, Challenge: %s, Method: %s}", verifier, p.Challenge, p.Method)
}

// GeneratePKCE generates a fresh PKCE verifier/challenge pair (RFC 7636).
// Each call draws new entropy; a pair is never reused across flow attempts.
// It fails outright if the secure random source is unavailable.
func GeneratePKCE() (*PKCEParams, error) {
	// 32 bytes gives a 43-character verifier (RFC 7636 requires 43-128)
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	return &PKCEParams{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
		Method:    ChallengeMethodS256,
	}, nil
}

// generateState generates a random state nonce for CSRF protection of the
// authorization request. The nonce is compared against the value returned on
// the callback before any code exchange happens.
func generateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}
