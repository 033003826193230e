// Package auth verifies the gateway API key. The configured key may be
// plaintext, a sha256 digest, or an argon2id PHC hash; verification detects
// the form so deployments can avoid keeping the plaintext around.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

const (
	sha256Prefix   = "sha256:"
	argon2idPrefix = "$argon2id$"
)

// VerifyAPIKey checks a presented key against the configured value.
// An empty configured key disables authentication entirely.
func VerifyAPIKey(configured, presented string) bool {
	if configured == "" {
		return true
	}
	if presented == "" {
		return false
	}

	switch {
	case strings.HasPrefix(configured, argon2idPrefix):
		match, err := argon2id.ComparePasswordAndHash(presented, configured)
		return err == nil && match
	case strings.HasPrefix(configured, sha256Prefix):
		sum := sha256.Sum256([]byte(presented))
		digest := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare(
			[]byte(strings.TrimPrefix(configured, sha256Prefix)), []byte(digest)) == 1
	default:
		return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
	}
}

// HashSHA256 renders a key in the sha256 config form.
func HashSHA256(key string) string {
	sum := sha256.Sum256([]byte(key))
	return sha256Prefix + hex.EncodeToString(sum[:])
}

// HashArgon2id renders a key as an argon2id PHC hash.
func HashArgon2id(key string) (string, error) {
	hash, err := argon2id.CreateHash(key, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return hash, nil
}
