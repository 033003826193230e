package auth

import (
	"strings"
	"testing"
)

func TestVerifyAPIKey_Plaintext(t *testing.T) {
	t.Parallel()

	if !VerifyAPIKey("secret-key", "secret-key") {
		t.Error("matching plaintext key rejected")
	}
	if VerifyAPIKey("secret-key", "wrong") {
		t.Error("wrong plaintext key accepted")
	}
	if VerifyAPIKey("secret-key", "") {
		t.Error("empty presented key accepted")
	}
}

func TestVerifyAPIKey_AuthDisabled(t *testing.T) {
	t.Parallel()

	if !VerifyAPIKey("", "") || !VerifyAPIKey("", "anything") {
		t.Error("empty configured key must disable auth")
	}
}

func TestVerifyAPIKey_SHA256(t *testing.T) {
	t.Parallel()

	configured := HashSHA256("secret-key")
	if !strings.HasPrefix(configured, "sha256:") {
		t.Fatalf("HashSHA256() = %q", configured)
	}
	if !VerifyAPIKey(configured, "secret-key") {
		t.Error("matching key rejected against sha256 form")
	}
	if VerifyAPIKey(configured, "wrong") {
		t.Error("wrong key accepted against sha256 form")
	}
}

func TestVerifyAPIKey_Argon2id(t *testing.T) {
	t.Parallel()

	configured, err := HashArgon2id("secret-key")
	if err != nil {
		t.Fatalf("HashArgon2id() error: %v", err)
	}
	if !strings.HasPrefix(configured, "$argon2id$") {
		t.Fatalf("HashArgon2id() = %q", configured)
	}
	if !VerifyAPIKey(configured, "secret-key") {
		t.Error("matching key rejected against argon2id form")
	}
	if VerifyAPIKey(configured, "wrong") {
		t.Error("wrong key accepted against argon2id form")
	}
}
