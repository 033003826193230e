package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelSCA/sentinel/internal/canonical"
	"github.com/sentinelSCA/sentinel/internal/domain/action"
)

// Action store errors.
var (
	ErrActionNotFound = errors.New("action record not found")
	ErrRevConflict    = errors.New("action record rev conflict")
)

// ActionKey returns the record key for an action id.
func ActionKey(id string) string {
	return "ops:action:" + id
}

// ActionStore persists action records with optimistic rev guarding. A save
// with expected rev n writes rev n+1 or fails with ErrRevConflict.
type ActionStore struct {
	store *Store
}

// NewActionStore builds the record store over the shared redis handle.
func NewActionStore(store *Store) *ActionStore {
	return &ActionStore{store: store}
}

// Load fetches one record.
func (a *ActionStore) Load(ctx context.Context, id string) (*action.Record, error) {
	raw, ok, err := a.store.Get(ctx, ActionKey(id))
	if err != nil {
		return nil, fmt.Errorf("load action %s: %w", id, err)
	}
	if !ok {
		return nil, ErrActionNotFound
	}
	var rec action.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode action %s: %w", id, err)
	}
	return &rec, nil
}

// Save writes rec guarded by its current Rev. A fresh record must carry
// Rev 0; a loaded record carries the rev it was read at. On success the
// record's Rev is bumped to the stored value.
func (a *ActionStore) Save(ctx context.Context, rec *action.Record) error {
	key := ActionKey(rec.ActionID)
	expected := rec.Rev

	err := a.store.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != 0 {
				return ErrRevConflict
			}
		case err != nil:
			return err
		default:
			var existing action.Record
			if err := json.Unmarshal([]byte(cur), &existing); err != nil {
				return fmt.Errorf("decode existing action: %w", err)
			}
			if existing.Rev != expected {
				return ErrRevConflict
			}
		}

		rec.Rev = expected + 1
		data, err := canonical.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if err != nil {
		rec.Rev = expected
		if errors.Is(err, redis.TxFailedErr) {
			return ErrRevConflict
		}
		return err
	}
	return nil
}
