package auditlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, secret string) (*ChainStore, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewChainStore(dir, secret, logger)
	if err != nil {
		t.Fatalf("NewChainStore() error: %v", err)
	}
	return s, dir
}

func appendN(t *testing.T, s *ChainStore, n int) []string {
	t.Helper()
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		h, err := s.Append(map[string]any{
			"agent_id": "agent-1",
			"command":  "ls",
			"decision": "allow",
			"seq":      i,
		})
		if err != nil {
			t.Fatalf("Append() %d error: %v", i, err)
		}
		hashes = append(hashes, h)
	}
	return hashes
}

func TestAppendAndVerify(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t, "")
	hashes := appendN(t, s, 3)

	count, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if count != 3 {
		t.Errorf("Verify() count = %d, want 3", count)
	}

	head, err := s.Head()
	if err != nil {
		t.Fatalf("Head() error: %v", err)
	}
	if head.AuditHead != hashes[2] {
		t.Errorf("head = %s, want last hash %s", head.AuditHead, hashes[2])
	}
	if head.AuditHeadSig != "" {
		t.Errorf("unsigned store returned head sig %q", head.AuditHeadSig)
	}

	// Both anchor files carry the head.
	for _, name := range []string{"audit.state", "audit_head.txt"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != hashes[2] {
			t.Errorf("%s = %s, want %s", name, data, hashes[2])
		}
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, "")
	count, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify() on empty chain: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	head, err := s.Head()
	if err != nil {
		t.Fatalf("Head() error: %v", err)
	}
	if head.AuditHead != Genesis {
		t.Errorf("head = %s, want %s", head.AuditHead, Genesis)
	}
}

func TestVerify_DetectsTamper(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t, "")
	appendN(t, s, 3)

	path := filepath.Join(dir, "audit.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines[1] = strings.Replace(lines[1], `"command":"ls"`, `"command":"rm -rf /"`, 1)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Verify()
	if err == nil {
		t.Fatal("Verify() accepted a tampered chain")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error = %v, want line 2 named", err)
	}
}

func TestVerify_DetectsDeletedLine(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t, "")
	appendN(t, s, 3)

	path := filepath.Join(dir, "audit.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	// Drop the middle entry; the chain breaks at the (new) line 2.
	kept := []string{lines[0], lines[2]}
	if err := os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Verify()
	if err == nil {
		t.Fatal("Verify() accepted a chain with a deleted entry")
	}
	if !strings.Contains(err.Error(), "line 2") || !strings.Contains(err.Error(), "chain break") {
		t.Errorf("error = %v, want chain break at line 2", err)
	}
}

func TestSignedChain(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t, "audit-secret")
	hashes := appendN(t, s, 2)

	if _, err := s.Verify(); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}

	head, err := s.Head()
	if err != nil {
		t.Fatalf("Head() error: %v", err)
	}
	if head.AuditHead != hashes[1] || head.AuditHeadSig == "" {
		t.Errorf("Head() = %+v, want signed head %s", head, hashes[1])
	}

	// A verifier with the wrong secret must fail on the first signature.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	other, err := NewChainStore(dir, "wrong-secret", logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Verify(); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("Verify() with wrong secret = %v, want bad signature at line 1", err)
	}
}

func TestAppend_SurvivesRestart(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t, "")
	hashes := appendN(t, s, 1)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reopened, err := NewChainStore(dir, "", logger)
	if err != nil {
		t.Fatal(err)
	}

	h, err := reopened.Append(map[string]any{"agent_id": "agent-1", "command": "pwd", "decision": "allow"})
	if err != nil {
		t.Fatalf("Append() after reopen error: %v", err)
	}
	if h == hashes[0] {
		t.Error("second entry reused the first hash")
	}
	if count, err := reopened.Verify(); err != nil || count != 2 {
		t.Errorf("Verify() = (%d, %v), want (2, nil)", count, err)
	}
}
