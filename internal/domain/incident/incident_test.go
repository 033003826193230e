package incident

import (
	"strings"
	"testing"
)

func TestClassifySeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     string
		reported string
		want     string
	}{
		{KindAPIUnreachable, "low", "critical"},
		{KindHTTPError, "", "high"},
		{KindUnhealthy, "", "high"},
		{KindException, "critical", "medium"},
		{"disk_pressure", "high", "high"},
		{"unknown_kind", "", "low"},
	}
	for _, tt := range tests {
		in := Incident{Kind: tt.kind, Severity: tt.reported}
		if got := ClassifySeverity(in); got != tt.want {
			t.Errorf("ClassifySeverity(kind=%s, reported=%s) = %s, want %s",
				tt.kind, tt.reported, got, tt.want)
		}
	}
}

func TestRecommend(t *testing.T) {
	t.Parallel()

	in := Incident{Service: "api"}

	r := Recommend(in, "critical")
	if r.Type != "restart_service" || r.Target != "api" || r.Confidence != 0.85 {
		t.Errorf("critical: %+v", r)
	}

	r = Recommend(in, "high")
	if r.Type != "restart_service" || r.Confidence != 0.70 {
		t.Errorf("high: %+v", r)
	}

	for _, sev := range []string{"medium", "low", ""} {
		r = Recommend(in, sev)
		if r.Type != "none" || r.Confidence != 0.0 {
			t.Errorf("%s: %+v, want none/0.0", sev, r)
		}
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	base := Incident{
		Service:  "api",
		Kind:     KindAPIUnreachable,
		Severity: "high",
		Evidence: Evidence{URL: "http://api:8080/health", Status: 0, Error: "connection refused"},
	}

	fp := Fingerprint(base)
	if len(fp) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(fp))
	}
	if Fingerprint(base) != fp {
		t.Error("fingerprint not deterministic")
	}

	other := base
	other.Service = "db"
	if Fingerprint(other) == fp {
		t.Error("different service produced the same fingerprint")
	}

	// Error text beyond 120 chars must not affect the fingerprint.
	long1, long2 := base, base
	long1.Evidence.Error = strings.Repeat("x", 120) + "tail-one"
	long2.Evidence.Error = strings.Repeat("x", 120) + "tail-two"
	if Fingerprint(long1) != Fingerprint(long2) {
		t.Error("error tail beyond truncation changed the fingerprint")
	}
}

func TestNewID(t *testing.T) {
	t.Parallel()

	if got := NewID(1700000000, "api"); got != "inc_1700000000_api" {
		t.Errorf("NewID() = %q", got)
	}
}
