package identity

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentIDFor(t *testing.T) {
	t.Parallel()

	id := AgentIDFor("cHVia2V5")
	if !strings.HasPrefix(id, "agent_") || len(id) != len("agent_")+16 {
		t.Errorf("AgentIDFor() = %q", id)
	}
	if AgentIDFor("cHVia2V5") != id {
		t.Error("agent id not deterministic")
	}
	if AgentIDFor("b3RoZXI=") == id {
		t.Error("different keys produced the same agent id")
	}
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Register(ctx, "cHVia2V5", "crawler-7", map[string]string{"team": "infra"})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if a.AgentID != AgentIDFor("cHVia2V5") {
		t.Errorf("agent_id = %s", a.AgentID)
	}
	if a.CreatedAt == 0 {
		t.Error("created_at not set")
	}

	got, err := s.Get(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.PubB64 != "cHVia2V5" || got.DisplayName != "crawler-7" || got.Metadata["team"] != "infra" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Revoked {
		t.Error("fresh agent marked revoked")
	}
}

func TestRegister_Idempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Register(ctx, "cHVia2V5", "original", nil)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	second, err := s.Register(ctx, "cHVia2V5", "imposter", map[string]string{"x": "y"})
	if err != nil {
		t.Fatalf("Register() repeat error: %v", err)
	}
	if second.DisplayName != first.DisplayName {
		t.Errorf("repeat registration changed display name: %q", second.DisplayName)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "agent_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Register(ctx, "cHVia2V5", "", nil)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if err := s.Revoke(ctx, a.AgentID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	got, err := s.Get(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !got.Revoked || got.RevokedAt == 0 {
		t.Errorf("Get() after revoke = %+v", got)
	}

	// Second revoke is a no-op, unknown agent is an error.
	if err := s.Revoke(ctx, a.AgentID); err != nil {
		t.Errorf("repeat Revoke() error: %v", err)
	}
	if err := s.Revoke(ctx, "agent_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(missing) = %v, want ErrNotFound", err)
	}
}
