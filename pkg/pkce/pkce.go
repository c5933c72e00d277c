package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// ChallengeMethod represents the PKCE challenge method
type ChallengeMethod string

// ChallengeS256 is the only supported challenge method. The "plain"
// method offers no protection over sending the verifier itself and is
// rejected.
const ChallengeS256 ChallengeMethod = "S256"

// verifierBytes is the entropy of a generated code verifier. 64 bytes
// encodes to 86 base64url characters, well above the 43-character minimum
// required by RFC 7636.
const verifierBytes = 64

// MinStateBytes is the minimum entropy accepted for an anti-CSRF state token.
const MinStateBytes = 32

// CodeVerifier represents a PKCE code verifier
type CodeVerifier struct {
	Value string
}

// CodeChallenge represents a PKCE code challenge
type CodeChallenge struct {
	Value  string
	Method ChallengeMethod
}

// GenerateCodeVerifier generates a cryptographically random code verifier
// using the OS-backed secure random source. The result uses only the
// unreserved characters [A-Za-z0-9-._~] per RFC 7636.
func GenerateCodeVerifier() (*CodeVerifier, error) {
	bytes := make([]byte, verifierBytes)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Base64url encode without padding
	verifier := base64.RawURLEncoding.EncodeToString(bytes)

	return &CodeVerifier{Value: verifier}, nil
}

// GenerateCodeChallenge generates a code challenge from the code verifier using the specified method
func (cv *CodeVerifier) GenerateCodeChallenge(method ChallengeMethod) (*CodeChallenge, error) {
	if method != ChallengeS256 {
		return nil, fmt.Errorf("unsupported challenge method: %s", method)
	}

	hash := sha256.Sum256([]byte(cv.Value))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])
	return &CodeChallenge{
		Value:  challenge,
		Method: ChallengeS256,
	}, nil
}

// GeneratePair generates a code verifier and its S256 challenge in one call.
func GeneratePair() (verifier string, challenge string, err error) {
	cv, err := GenerateCodeVerifier()
	if err != nil {
		return "", "", err
	}
	ch, err := cv.GenerateCodeChallenge(ChallengeS256)
	if err != nil {
		return "", "", err
	}
	return cv.Value, ch.Value, nil
}

// GenerateState generates an anti-CSRF state token of lenBytes random bytes,
// base64url encoded without padding. lenBytes must be at least MinStateBytes.
func GenerateState(lenBytes int) (string, error) {
	if lenBytes < MinStateBytes {
		return "", fmt.Errorf("state entropy too small: %d bytes, need at least %d", lenBytes, MinStateBytes)
	}
	bytes := make([]byte, lenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// SecureCompare compares two strings in constant time. Strings of unequal
// length compare unequal immediately; equal-length strings are always
// scanned in full so the runtime does not depend on the position of the
// first differing byte.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ValidateCodeVerifier validates that a code verifier matches the given code challenge
func ValidateCodeVerifier(verifier string, challenge string, method ChallengeMethod) error {
	if verifier == "" {
		return fmt.Errorf("code verifier cannot be empty")
	}

	if challenge == "" {
		return fmt.Errorf("code challenge cannot be empty")
	}

	// Validate verifier length (43-128 characters)
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code verifier must be between 43 and 128 characters")
	}

	// Validate verifier characters
	if !isValidCodeVerifier(verifier) {
		return fmt.Errorf("code verifier contains invalid characters")
	}

	if method != ChallengeS256 {
		return fmt.Errorf("unsupported challenge method: %s", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	expectedChallenge := base64.RawURLEncoding.EncodeToString(hash[:])
	if !SecureCompare(expectedChallenge, challenge) {
		return fmt.Errorf("code verifier does not match challenge")
	}

	return nil
}

// isValidCodeVerifier checks if the code verifier contains only allowed characters
func isValidCodeVerifier(verifier string) bool {
	allowedChars := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
	for _, char := range verifier {
		if !strings.ContainsRune(allowedChars, char) {
			return false
		}
	}
	return true
}
