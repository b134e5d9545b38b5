package keycloak

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

const codeVerifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// codeVerifierLength is the verifier length used for login requests,
// comfortably inside the 43..128 range of RFC 7636.
const codeVerifierLength = 96

// generateCodeVerifier produces a random string of the given length from the
// unreserved URL-safe alphabet, drawn from a cryptographically secure source.
func generateCodeVerifier(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = codeVerifierAlphabet[int(b)%len(codeVerifierAlphabet)]
	}
	return string(out), nil
}

// generateChallenge derives the code challenge for a verifier. Only S256 is
// implemented; the plain method is rejected as insecure.
func generateChallenge(method PKCEMethod, verifier string) (string, error) {
	if method != PKCEMethodS256 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPKCEMethod, method)
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// newCorrelationID generates a state or nonce value for one authorization
// attempt.
func newCorrelationID() string {
	return uuid.NewString()
}
