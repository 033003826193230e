// Package signing provides the two signature schemes used across Sentinel:
// HMAC-SHA256 hex signatures over canonical JSON (request/response bodies,
// queue envelopes, audit heads) and Ed25519 base64 signatures for agent
// identity material.
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sentinelSCA/sentinel/internal/canonical"
)

// Scheme identifies the body signature scheme in responses.
const Scheme = "hmac-sha256"

// ErrBadSignature is returned when a computed signature does not match the
// provided one under constant-time comparison.
var ErrBadSignature = errors.New("bad signature")

// ErrMissingSignature is returned when signing is enabled but the request
// carries no signature headers.
var ErrMissingSignature = errors.New("missing signature headers")

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of msg under secret.
func HMACSHA256Hex(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload computes the HMAC-SHA256 hex signature over the canonical JSON
// of payload. An empty secret yields an empty signature (signing disabled).
func SignPayload(secret string, payload any) (string, error) {
	if secret == "" {
		return "", nil
	}
	msg, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return HMACSHA256Hex(secret, string(msg)), nil
}

// VerifyPayload recomputes the payload signature and compares it to sigHex
// in constant time. Returns ErrBadSignature on mismatch.
func VerifyPayload(secret string, payload any, sigHex string) error {
	expected, err := SignPayload(secret, payload)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sigHex)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// SignEd25519B64 signs the canonical JSON of payload with a base64-encoded
// Ed25519 private key seed and returns a base64 signature.
func SignEd25519B64(privB64 string, payload any) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("private key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	msg, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}

	sig := ed25519.Sign(ed25519.NewKeyFromSeed(seed), msg)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyEd25519B64 verifies a base64 Ed25519 signature over the canonical
// JSON of payload with a base64-encoded public key.
func VerifyEd25519B64(pubB64 string, payload any, sigB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	msg, err := canonical.Marshal(payload)
	if err != nil {
		return fmt.Errorf("verify payload: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// GenerateKeypair returns a fresh Ed25519 keypair as base64 strings.
// The private half is the 32-byte seed.
func GenerateKeypair() (pubB64, privB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub),
		base64.StdEncoding.EncodeToString(priv.Seed()), nil
}
