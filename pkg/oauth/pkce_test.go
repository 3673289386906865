package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// verifierCharset is the unpadded base64url alphabet (RFC 7636 subset of the
// allowed unreserved characters).
var verifierCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGeneratePKCE(t *testing.T) {
	t.Parallel()

	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	// 32 random bytes encode to 43 characters, the RFC 7636 minimum
	assert.Len(t, pkce.Verifier, 43)
	assert.Regexp(t, verifierCharset, pkce.Verifier)
	assert.Equal(t, ChallengeMethodS256, pkce.Method)

	// challenge == base64url(SHA-256(verifier)), unpadded
	hash := sha256.Sum256([]byte(pkce.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), pkce.Challenge)
}

func TestGeneratePKCE_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pkce, err := GeneratePKCE()
		require.NoError(t, err)
		assert.False(t, seen[pkce.Verifier], "verifier must never repeat across flow attempts")
		seen[pkce.Verifier] = true
	}
}

func TestPKCEParams_String_RedactsVerifier(t *testing.T) {
	t.Parallel()

	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	s := pkce.String()
	assert.NotContains(t, s, pkce.Verifier)
	assert.Contains(t, s, "[REDACTED]")
	assert.Contains(t, s, pkce.Challenge)
}

func TestGenerateState_Unique(t *testing.T) {
	t.Parallel()

	first, err := generateState()
	require.NoError(t, err)
	second, err := generateState()
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
