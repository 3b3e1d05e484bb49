package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix marks raw API keys so they can be routed without
// guessing at the credential type.
const APIKeyPrefix = "rmbr_"

// GenerateAPIKey returns a new raw key and its storage hash. The raw
// key is shown to the caller exactly once; only the hash persists.
func GenerateAPIKey() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey returns the hex SHA-256 digest of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashEqual compares two key hashes in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// LooksLikeAPIKey reports whether a credential carries the API key prefix.
func LooksLikeAPIKey(raw string) bool {
	return strings.HasPrefix(raw, APIKeyPrefix)
}
