// Package auth provides the credential primitives used by the registry: opaque
// bearer token generation, one-way hashing and scope checks.
//
// Tokens are hashed with SHA-256 rather than a salted KDF because authentication
// is an exact-match lookup on the stored hash. The raw value carries 256 bits of
// entropy, so a fast hash does not weaken it. See internal/services/credentials.go
// for issuance and authentication.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// TokenLength is the length of the random part of a token in bytes
	TokenLength = 32

	// DisplayPrefixLength is the number of characters kept for listings
	DisplayPrefixLength = 10
)

// GenerateToken creates a new random bearer token with the given prefix.
// Returns: raw token (to show once), hash (to store), display prefix
func GenerateToken(prefix string) (raw string, hash string, displayPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	raw = prefix + base64.RawURLEncoding.EncodeToString(randomBytes)

	displayPrefix = raw
	if len(raw) > DisplayPrefixLength {
		displayPrefix = raw[:DisplayPrefixLength]
	}

	return raw, HashToken(raw), displayPrefix, nil
}

// HashToken returns the stored form of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ExtractBearerToken extracts the token from an Authorization header.
// Expected format: "Bearer pkr_abc123xyz..."
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("token is empty after Bearer prefix")
	}

	return token, nil
}
