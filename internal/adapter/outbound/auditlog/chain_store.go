// Package auditlog persists the tamper-evident decision log: an append-only
// JSONL file where every line is hash-chained to its predecessor.
package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sentinelSCA/sentinel/internal/canonical"
	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

// Genesis is the chain head before any entry exists.
const Genesis = "GENESIS"

// File names inside the audit directory. audit_head.txt duplicates the head
// for out-of-band anchoring.
const (
	logFile      = "audit.jsonl"
	stateFile    = "audit.state"
	headCopyFile = "audit_head.txt"
)

// Head is the current chain anchor, optionally HMAC-signed.
type Head struct {
	AuditHead    string `json:"audit_head"`
	AuditHeadSig string `json:"audit_head_sig,omitempty"`
}

// ChainStore is a single-writer hash chain over a JSONL file. The mutex
// serializes appends within the process; running two writers against the same
// directory is not supported.
type ChainStore struct {
	dir    string
	secret string
	logger *slog.Logger

	mu sync.Mutex
}

// NewChainStore opens (creating if needed) the audit directory. When secret
// is non-empty every entry and the head carry an HMAC signature.
func NewChainStore(dir, secret string, logger *slog.Logger) (*ChainStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
	}
	return &ChainStore{dir: dir, secret: secret, logger: logger}, nil
}

// Append chains one entry onto the log and returns its hash. The entry map
// is extended with prev_hash, hash, and (when signing) sig before writing.
func (s *ChainStore) Append(entry map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.headLocked()
	if err != nil {
		return "", err
	}

	line := make(map[string]any, len(entry)+3)
	for k, v := range entry {
		line[k] = v
	}
	line["prev_hash"] = head

	payload, err := canonical.Marshal(line)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	hash := signing.SHA256Hex([]byte(head + "|" + string(payload)))
	line["hash"] = hash
	if s.secret != "" {
		line["sig"] = signing.HMACSHA256Hex(s.secret, hash)
	}

	record, err := json.Marshal(line)
	if err != nil {
		return "", fmt.Errorf("marshal audit line: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(append(record, '\n')); err != nil {
		f.Close()
		return "", fmt.Errorf("append audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close audit log: %w", err)
	}

	if err := s.writeHeadLocked(hash); err != nil {
		// The line is durable; only the anchor copy failed.
		s.logger.Warn("audit head write failed", "error", err)
	}
	return hash, nil
}

// Head returns the current anchor with its signature when signing is on.
func (s *ChainStore) Head() (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.headLocked()
	if err != nil {
		return Head{}, err
	}
	h := Head{AuditHead: head}
	if s.secret != "" {
		h.AuditHeadSig = signing.HMACSHA256Hex(s.secret, head)
	}
	return h, nil
}

// Verify replays the whole chain from Genesis. It returns the number of
// valid entries, or an error naming the first bad line (1-based).
func (s *ChainStore) Verify() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, logFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	head := Genesis
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return count, fmt.Errorf("line %d: unparseable entry: %w", lineNo, err)
		}

		prev, _ := line["prev_hash"].(string)
		if prev != head {
			return count, fmt.Errorf("line %d: chain break: prev_hash %s, expected %s", lineNo, prev, head)
		}
		hash, _ := line["hash"].(string)
		sig, _ := line["sig"].(string)

		bare := make(map[string]any, len(line))
		for k, v := range line {
			if k == "hash" || k == "sig" {
				continue
			}
			bare[k] = v
		}
		payload, err := canonical.Marshal(bare)
		if err != nil {
			return count, fmt.Errorf("line %d: canonicalize: %w", lineNo, err)
		}
		if computed := signing.SHA256Hex([]byte(head + "|" + string(payload))); computed != hash {
			return count, fmt.Errorf("line %d: hash mismatch", lineNo)
		}
		if s.secret != "" {
			if sig == "" {
				return count, fmt.Errorf("line %d: missing signature", lineNo)
			}
			if signing.HMACSHA256Hex(s.secret, hash) != sig {
				return count, fmt.Errorf("line %d: bad signature", lineNo)
			}
		}

		head = hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read audit log: %w", err)
	}

	if stored, err := s.headLocked(); err == nil && stored != head {
		return count, fmt.Errorf("stored head %s does not match recomputed head %s", stored, head)
	}
	return count, nil
}

// headLocked reads the persisted head, defaulting to Genesis.
func (s *ChainStore) headLocked() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Genesis, nil
		}
		return "", fmt.Errorf("read audit state: %w", err)
	}
	head := string(data)
	if head == "" {
		return Genesis, nil
	}
	return head, nil
}

// writeHeadLocked persists the head to audit.state and audit_head.txt
// atomically.
func (s *ChainStore) writeHeadLocked(head string) error {
	for _, name := range []string{stateFile, headCopyFile} {
		path := filepath.Join(s.dir, name)
		tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
		if err != nil {
			return fmt.Errorf("create temp head: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.WriteString(head); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write temp head: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("close temp head: %w", err)
		}
		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("replace %s: %w", name, err)
		}
	}
	return nil
}
