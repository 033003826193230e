package replay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable fallback. Expiry is enforced by deleting rows
// older than the TTL before each insert; a primary-key violation on insert
// means the nonce was already consumed.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the nonce table at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open replay db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS replay_nonces (
		nonce      TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init replay schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// CheckAndSet implements Store.
func (s *SQLiteStore) CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (Result, error) {
	now := s.now().Unix()
	cutoff := now - int64(ttl/time.Second)

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_nonces WHERE created_at < ?`, cutoff); err != nil {
		return Result{}, fmt.Errorf("expire replay nonces: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_nonces (nonce, created_at) VALUES (?, ?)`, nonce, now)
	if err != nil {
		if isUniqueViolation(err) {
			return Result{Fresh: false, Backend: BackendSQLite}, nil
		}
		return Result{}, fmt.Errorf("insert replay nonce: %w", err)
	}
	return Result{Fresh: true, Backend: BackendSQLite}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation matches the sqlite constraint error without depending on
// driver-internal error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
