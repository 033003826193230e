// Package identity persists registered agent identities in sqlite. Agent ids
// are derived from the registered public key, so registration is idempotent.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

// ErrNotFound is returned for unknown agent ids.
var ErrNotFound = errors.New("agent not found")

// Agent is one registered identity.
type Agent struct {
	AgentID     string            `json:"agent_id"`
	PubB64      string            `json:"pub_b64"`
	DisplayName string            `json:"display_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	Revoked     bool              `json:"revoked"`
	RevokedAt   int64             `json:"revoked_at,omitempty"`
}

// AgentIDFor derives the stable agent id from a base64 public key.
func AgentIDFor(pubB64 string) string {
	return "agent_" + signing.SHA256Hex([]byte(pubB64))[:16]
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id     TEXT PRIMARY KEY,
	pub_b64      TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	revoked      INTEGER NOT NULL DEFAULT 0,
	revoked_at   INTEGER NOT NULL DEFAULT 0
)`

// SQLiteStore is the registry backed by a local sqlite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the registry at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open identity db %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init identity schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Register stores a new identity for pubB64 and returns it. Registering the
// same key again returns the existing record unchanged.
func (s *SQLiteStore) Register(ctx context.Context, pubB64, displayName string, metadata map[string]string) (Agent, error) {
	id := AgentIDFor(pubB64)

	if existing, err := s.Get(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Agent{}, err
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return Agent{}, fmt.Errorf("marshal metadata: %w", err)
	}

	a := Agent{
		AgentID:     id,
		PubB64:      pubB64,
		DisplayName: displayName,
		Metadata:    metadata,
		CreatedAt:   s.now().Unix(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, pub_b64, display_name, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.AgentID, a.PubB64, a.DisplayName, string(meta), a.CreatedAt)
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

// Get returns the identity for id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Agent, error) {
	var (
		a       Agent
		meta    string
		revoked int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, pub_b64, display_name, metadata, created_at, revoked, revoked_at
		 FROM agents WHERE agent_id = ?`, id).
		Scan(&a.AgentID, &a.PubB64, &a.DisplayName, &meta, &a.CreatedAt, &revoked, &a.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("query agent: %w", err)
	}
	a.Revoked = revoked != 0
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return Agent{}, fmt.Errorf("decode agent metadata: %w", err)
	}
	return a, nil
}

// Revoke marks the identity revoked. Revoking twice is a no-op.
func (s *SQLiteStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET revoked = 1, revoked_at = ? WHERE agent_id = ? AND revoked = 0`,
		s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("revoke agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish already-revoked from unknown.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
