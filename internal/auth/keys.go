package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks every issued key. The prefix plus the first four
// random characters are retained for display; the rest exists only as
// a hash.
const KeyPrefix = "sk_live_"

// displayPrefixLen is how much of the plaintext is kept for listing
// keys back to their owner.
const displayPrefixLen = 12

// GenerateKey creates a new plaintext API key: the fixed prefix
// followed by 43 characters of URL-safe random (256 bits).
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashKey returns the hex SHA-256 digest of a plaintext key. Only the
// digest is ever persisted.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the stored display fragment of a plaintext key.
func DisplayPrefix(plaintext string) string {
	if len(plaintext) < displayPrefixLen {
		return plaintext
	}
	return plaintext[:displayPrefixLen]
}

// ValidFormat reports whether a presented token is shaped like an
// issued key. It rejects junk before any database work.
func ValidFormat(plaintext string) bool {
	if !strings.HasPrefix(plaintext, KeyPrefix) {
		return false
	}
	return len(plaintext) >= len(KeyPrefix)+32
}

// DigestEqual compares two hex digests in constant time.
func DigestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
