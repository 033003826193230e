package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelSCA/sentinel/internal/canonical"
	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

// ErrBadEnvelope is returned when a signed queue message fails verification.
// Callers drop the message and keep consuming.
var ErrBadEnvelope = errors.New("queue envelope rejected")

const envelopeVersion = 1

// envelope wraps a queue document when queue signing is enabled. The
// signature covers the canonical form of {v, ts, payload}.
type envelope struct {
	V       int             `json:"v"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig"`
}

// Queue publishes and consumes JSON documents over redis lists, signing them
// when a secret is configured. Action id queues use the bare-string methods
// instead; ids are bound to their records by the record digest, not by an
// envelope.
type Queue struct {
	store  *Store
	secret string
}

// NewQueue builds a queue layer over the store. Empty secret disables
// envelopes.
func NewQueue(store *Store, secret string) *Queue {
	return &Queue{store: store, secret: secret}
}

// PushDoc appends one document to the queue.
func (q *Queue) PushDoc(ctx context.Context, queue string, doc any) error {
	payload, err := canonical.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode queue doc: %w", err)
	}

	msg := payload
	if q.secret != "" {
		env := envelope{V: envelopeVersion, TS: time.Now().Unix(), Payload: payload}
		env.Sig, err = q.sign(env)
		if err != nil {
			return err
		}
		msg, err = json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode queue envelope: %w", err)
		}
	}
	return q.store.client.RPush(ctx, queue, msg).Err()
}

// PopDoc removes and returns the oldest document, blocking up to timeout.
// An empty queue returns (nil, nil). With signing enabled, unsigned or
// tampered messages return ErrBadEnvelope.
func (q *Queue) PopDoc(ctx context.Context, queue string, timeout time.Duration) (json.RawMessage, error) {
	var raw string
	if timeout > 0 {
		vals, err := q.store.client.BLPop(ctx, timeout, queue).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		raw = vals[1]
	} else {
		val, err := q.store.client.LPop(ctx, queue).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		raw = val
	}

	if q.secret == "" {
		return json.RawMessage(raw), nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Sig == "" || env.Payload == nil {
		return nil, fmt.Errorf("%w: not a signed envelope", ErrBadEnvelope)
	}
	want, err := q.sign(env)
	if err != nil {
		return nil, err
	}
	if want != env.Sig {
		return nil, fmt.Errorf("%w: bad signature", ErrBadEnvelope)
	}
	return env.Payload, nil
}

// sign computes the envelope signature over {v, ts, payload}.
func (q *Queue) sign(env envelope) (string, error) {
	var payload any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode envelope payload: %w", err)
	}
	data, err := canonical.Marshal(map[string]any{
		"v":       env.V,
		"ts":      env.TS,
		"payload": payload,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	return signing.HMACSHA256Hex(q.secret, string(data)), nil
}

// PushID enqueues a bare action id. LPush pairs with the BRPopLPush claim so
// consumers see FIFO order.
func (q *Queue) PushID(ctx context.Context, queue, id string) error {
	return q.store.client.LPush(ctx, queue, id).Err()
}

// ClaimID atomically moves the oldest id from queue to inflight, blocking up
// to timeout. Empty queue returns ("", nil).
func (q *Queue) ClaimID(ctx context.Context, queue, inflight string, timeout time.Duration) (string, error) {
	id, err := q.store.client.BRPopLPush(ctx, queue, inflight, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// DropInflight removes one copy of id from the inflight list.
func (q *Queue) DropInflight(ctx context.Context, inflight, id string) error {
	return q.store.client.LRem(ctx, inflight, 1, id).Err()
}

// InflightIDs returns up to limit ids currently inflight, oldest last.
func (q *Queue) InflightIDs(ctx context.Context, inflight string, limit int64) ([]string, error) {
	return q.store.client.LRange(ctx, inflight, 0, limit-1).Result()
}

// Len returns the queue length.
func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	return q.store.client.LLen(ctx, queue).Result()
}
