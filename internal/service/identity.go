package service

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/identity"
)

// Identity fronts the registry with input validation.
type Identity struct {
	store  *identity.SQLiteStore
	logger *slog.Logger
}

// NewIdentity wraps the sqlite registry.
func NewIdentity(store *identity.SQLiteStore, logger *slog.Logger) *Identity {
	return &Identity{store: store, logger: logger}
}

// Register validates the public key and stores the identity. Re-registering
// the same key returns the existing record.
func (s *Identity) Register(ctx context.Context, pubB64, displayName string, metadata map[string]string) (identity.Agent, error) {
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return identity.Agent{}, fmt.Errorf("%w: pub_b64 is not valid base64", ErrBadInput)
	}
	if len(raw) != ed25519.PublicKeySize {
		return identity.Agent{}, fmt.Errorf("%w: public key must be %d bytes, got %d",
			ErrBadInput, ed25519.PublicKeySize, len(raw))
	}

	a, err := s.store.Register(ctx, pubB64, displayName, metadata)
	if err != nil {
		return identity.Agent{}, fmt.Errorf("register agent: %w", err)
	}
	s.logger.Info("agent registered", "agent_id", a.AgentID, "display_name", a.DisplayName)
	return a, nil
}

// Get returns one identity.
func (s *Identity) Get(ctx context.Context, agentID string) (identity.Agent, error) {
	a, err := s.store.Get(ctx, agentID)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return identity.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// Revoke marks an identity revoked.
func (s *Identity) Revoke(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrBadInput)
	}
	if err := s.store.Revoke(ctx, agentID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return fmt.Errorf("revoke agent: %w", err)
	}
	s.logger.Info("agent revoked", "agent_id", agentID)
	return nil
}
