package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// pkceVerifierLength is the number of random bytes behind the verifier.
// 32 bytes encode to 43 characters with RawURLEncoding, the RFC 7636
// minimum verifier length.
const pkceVerifierLength = 32

// PKCEChallengeMethod is the only challenge method this subsystem sends or
// accepts. The plaintext method defeats the point of PKCE and is never used.
const PKCEChallengeMethod = "S256"

// GeneratePKCE creates a fresh verifier/challenge pair for one login
// attempt. The challenge is the base64url-encoded SHA-256 digest of the
// verifier. The only failure mode is exhaustion of the random source, which
// is fatal to the attempt.
func GeneratePKCE() (verifier, challenge string, err error) {
	b := make([]byte, pkceVerifierLength)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)

	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])

	return verifier, challenge, nil
}
