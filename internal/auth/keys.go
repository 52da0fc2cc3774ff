// Package auth holds the connection-time Auth Gate for workers and the
// token hashing used by the producer API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// TokenMatches compares a presented bearer token against a configured one
// by hash, in constant time.
func TokenMatches(presented, configured string) bool {
	a := HashKey(presented)
	b := HashKey(configured)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
