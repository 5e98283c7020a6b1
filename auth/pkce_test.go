package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	require.NoError(t, err)

	// 32 random bytes encode to 43 characters, the RFC 7636 minimum.
	assert.Len(t, verifier, 43)
	assert.NotEqual(t, verifier, challenge)

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge)

	// URL-safe alphabet only, no padding.
	_, err = base64.RawURLEncoding.DecodeString(verifier)
	assert.NoError(t, err)
	_, err = base64.RawURLEncoding.DecodeString(challenge)
	assert.NoError(t, err)
}

func TestGeneratePKCEPairsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		verifier, _, err := GeneratePKCE()
		require.NoError(t, err)
		assert.False(t, seen[verifier], "verifier repeated")
		seen[verifier] = true
	}
}
