// Package reputation tracks per-agent standing in two forms: a durable
// integer ledger that decays toward zero over time, and a float score oracle
// in [0,1] used for automatic deny/review gating.
package reputation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sentinelSCA/sentinel/internal/domain/policy"
)

// Integer ledger deltas per decision.
const (
	DeltaAllow  = 1
	DeltaReview = -1
	DeltaDeny   = -2
)

// DeltaFor returns the integer ledger delta for a decision.
func DeltaFor(d policy.Decision) int {
	switch d {
	case policy.Allow:
		return DeltaAllow
	case policy.Review:
		return DeltaReview
	case policy.Deny:
		return DeltaDeny
	default:
		return 0
	}
}

// Entry is one agent's persisted ledger state.
type Entry struct {
	Reputation   int    `json:"reputation"`
	Allowed      int    `json:"allowed"`
	Blocked      int    `json:"blocked"`
	Reviewed     int    `json:"reviewed"`
	LastDecision string `json:"last_decision,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Ledger is a file-backed integer reputation store. Scores decay toward zero
// by DecayStep for every full DecayPeriod elapsed since the last update.
// Safe for concurrent use within one process.
type Ledger struct {
	path        string
	decayStep   int
	decayPeriod time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewLedger loads (or initializes) the ledger at path.
// decayStep <= 0 or decayPeriod <= 0 disables decay.
func NewLedger(path string, decayStep int, decayPeriod time.Duration, logger *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		path:        path,
		decayStep:   decayStep,
		decayPeriod: decayPeriod,
		logger:      logger,
		entries:     make(map[string]*Entry),
		now:         time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		// A corrupt ledger is replaced rather than blocking startup.
		logger.Warn("reputation ledger unreadable, starting empty", "path", path, "error", err)
		l.entries = make(map[string]*Entry)
	}
	return l, nil
}

// Get returns the agent's current reputation with decay applied. Unknown
// agents score zero. Decay observed here is persisted.
func (l *Ledger) Get(agent string) int {
	return l.Snapshot(agent).Reputation
}

// Snapshot returns a copy of the agent's full ledger entry with decay
// applied. Unknown agents return a zero entry.
func (l *Ledger) Snapshot(agent string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok {
		return Entry{}
	}
	if l.decayLocked(e) {
		if err := l.saveLocked(); err != nil {
			l.logger.Warn("reputation ledger save failed", "error", err)
		}
	}
	return *e
}

// Apply adjusts the agent's entry for one decision and returns the new
// reputation. Decay is applied before the delta.
func (l *Ledger) Apply(agent string, decision policy.Decision) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[agent]
	if !ok {
		e = &Entry{}
		l.entries[agent] = e
	}
	l.decayLocked(e)
	e.Reputation += DeltaFor(decision)
	switch decision {
	case policy.Allow:
		e.Allowed++
	case policy.Review:
		e.Reviewed++
	case policy.Deny:
		e.Blocked++
	}
	e.LastDecision = string(decision)
	e.UpdatedAt = l.now().Unix()

	if err := l.saveLocked(); err != nil {
		return e.Reputation, fmt.Errorf("save ledger: %w", err)
	}
	return e.Reputation, nil
}

// All returns a snapshot of every agent's decayed entry.
func (l *Ledger) All() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Entry, len(l.entries))
	changed := false
	for agent, e := range l.entries {
		if l.decayLocked(e) {
			changed = true
		}
		out[agent] = *e
	}
	if changed {
		if err := l.saveLocked(); err != nil {
			l.logger.Warn("reputation ledger save failed", "error", err)
		}
	}
	return out
}

// decayLocked moves the entry toward zero by decayStep per elapsed period.
// Returns true when the reputation changed. Must be called with l.mu held.
func (l *Ledger) decayLocked(e *Entry) bool {
	if l.decayStep <= 0 || l.decayPeriod <= 0 || e.Reputation == 0 || e.UpdatedAt == 0 {
		return false
	}
	elapsed := l.now().Unix() - e.UpdatedAt
	periods := int(elapsed / int64(l.decayPeriod/time.Second))
	if periods <= 0 {
		return false
	}

	step := periods * l.decayStep
	switch {
	case e.Reputation > 0:
		e.Reputation -= step
		if e.Reputation < 0 {
			e.Reputation = 0
		}
	case e.Reputation < 0:
		e.Reputation += step
		if e.Reputation > 0 {
			e.Reputation = 0
		}
	}
	e.UpdatedAt = l.now().Unix()
	return true
}

// saveLocked writes the ledger atomically (temp file then rename).
// Must be called with l.mu held.
func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
