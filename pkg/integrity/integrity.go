// Package integrity computes and checks the content digests recorded for every
// published pack tarball. The digest format is fixed as "sha256-<lowercase hex>"
// and is always computed over the exact bytes that are stored; callers never
// supply it.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Prefix is the algorithm label that starts every integrity value.
const Prefix = "sha256-"

// Digest returns the integrity value for data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// DigestReader streams r through SHA-256 and returns the integrity value and
// the number of bytes read.
func DigestReader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to calculate digest: %w", err)
	}
	return Prefix + hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Verify recomputes the digest of data and compares it with expected.
func Verify(data []byte, expected string) bool {
	if !IsValid(expected) {
		return false
	}
	actual := Digest(data)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

// IsValid reports whether s is a well-formed integrity value.
func IsValid(s string) bool {
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	hexPart := s[len(Prefix):]
	if len(hexPart) != sha256.Size*2 {
		return false
	}
	for _, r := range hexPart {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
