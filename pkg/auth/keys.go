// Package auth handles credentials: agent API keys (generate / hash /
// constant-time verify), admin password hashing, and signed session tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks agent API keys on the wire.
const KeyPrefix = "sk_agent_"

// keyBytes is the entropy of a generated key. 32 bytes gives 256 bits,
// which is why a fast SHA-256 key hash is acceptable: the keyspace is not
// brute-forceable even with the hash in hand.
const keyBytes = 32

// GenerateAPIKey returns a fresh plaintext agent key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey returns the stored form of a key: lowercase hex SHA-256 of the
// plaintext.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey compares a plaintext key against a stored hash in constant
// time on the hex digest.
func VerifyAPIKey(key, storedHash string) bool {
	computed := HashAPIKey(key)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// LooksLikeAPIKey is a cheap shape check before hitting the store.
func LooksLikeAPIKey(key string) bool {
	return strings.HasPrefix(key, KeyPrefix) && len(key) >= len(KeyPrefix)+2*keyBytes
}
