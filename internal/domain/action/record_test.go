package action

import (
	"strings"
	"testing"
	"time"
)

func TestDigest_IntentFieldsOnly(t *testing.T) {
	t.Parallel()

	in := Intent{Type: "restart_service", Target: "api", Params: map[string]string{"mode": "soft"}}

	d1, err := Digest(in)
	if err != nil {
		t.Fatalf("Digest() error: %v", err)
	}
	if !strings.HasPrefix(d1, "sha256:") || len(d1) != len("sha256:")+64 {
		t.Errorf("digest format = %q", d1)
	}

	// Same intent always digests identically.
	d2, _ := Digest(Intent{Type: "restart_service", Target: "api", Params: map[string]string{"mode": "soft"}})
	if d1 != d2 {
		t.Errorf("equal intents digest differently: %s vs %s", d1, d2)
	}

	// Each intent field changes the digest.
	for name, other := range map[string]Intent{
		"type":   {Type: "scale_service", Target: "api", Params: map[string]string{"mode": "soft"}},
		"target": {Type: "restart_service", Target: "db", Params: map[string]string{"mode": "soft"}},
		"params": {Type: "restart_service", Target: "api", Params: map[string]string{"mode": "hard"}},
	} {
		d, _ := Digest(other)
		if d == d1 {
			t.Errorf("changing %s did not change digest", name)
		}
	}
}

func TestDigest_NilParamsEqualsEmpty(t *testing.T) {
	t.Parallel()

	d1, _ := Digest(Intent{Type: "restart_service", Target: "api"})
	d2, _ := Digest(Intent{Type: "restart_service", Target: "api", Params: map[string]string{}})
	if d1 != d2 {
		t.Errorf("nil and empty params digest differently: %s vs %s", d1, d2)
	}
}

func TestNewID(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	id := NewID(now)
	if !strings.HasPrefix(id, "act_1700000000_") {
		t.Errorf("id = %q, want act_1700000000_ prefix", id)
	}
	if len(id) != len("act_1700000000_")+6 {
		t.Errorf("id length = %d: %q", len(id), id)
	}
	if NewID(now) == id {
		t.Error("consecutive ids collided")
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []string{StatusExecuted, StatusFailed, StatusRejected, StatusQuarantined} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false", s)
		}
	}
	for _, s := range []string{StatusProposed, StatusApproved, ""} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true", s)
		}
	}
}
