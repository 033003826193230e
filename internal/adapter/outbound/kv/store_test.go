package kv

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelSCA/sentinel/internal/domain/action"
	"github.com/sentinelSCA/sentinel/internal/domain/policy"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStoreWithClient(client), mr
}

func TestStore_Basics(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	val, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Errorf("Get() = (%q, %v, %v)", val, ok, err)
	}

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Error("Get(missing) reported present")
	}

	set, err := s.SetNX(ctx, "once", "1", time.Minute)
	if err != nil || !set {
		t.Errorf("SetNX() first = (%v, %v)", set, err)
	}
	set, err = s.SetNX(ctx, "once", "2", time.Minute)
	if err != nil || set {
		t.Errorf("SetNX() second = (%v, %v), want not set", set, err)
	}

	mr.FastForward(2 * time.Minute)
	if exists, _ := s.Exists(ctx, "once"); exists {
		t.Error("key survived its TTL")
	}
}

func TestStore_IncrWithExpiry(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.IncrWithExpiry(ctx, "count", time.Hour)
		if err != nil || n != want {
			t.Errorf("IncrWithExpiry() = (%d, %v), want %d", n, err, want)
		}
	}
}

func TestStore_Budget(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	base := int64(1700000000)

	for i := int64(0); i < 5; i++ {
		if err := s.BudgetRecord(ctx, "budget", string(rune('a'+i)), base+i*60); err != nil {
			t.Fatalf("BudgetRecord() error: %v", err)
		}
	}

	// Window starting at base+120 keeps the events at +120, +180, +240.
	n, err := s.BudgetCount(ctx, "budget", base+120)
	if err != nil {
		t.Fatalf("BudgetCount() error: %v", err)
	}
	if n != 3 {
		t.Errorf("BudgetCount() = %d, want 3", n)
	}
}

func TestQueue_UnsignedDocs(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	q := NewQueue(s, "")
	ctx := context.Background()

	if err := q.PushDoc(ctx, "q", map[string]any{"id": "one"}); err != nil {
		t.Fatalf("PushDoc() error: %v", err)
	}
	if err := q.PushDoc(ctx, "q", map[string]any{"id": "two"}); err != nil {
		t.Fatalf("PushDoc() error: %v", err)
	}

	raw, err := q.PopDoc(ctx, "q", 0)
	if err != nil {
		t.Fatalf("PopDoc() error: %v", err)
	}
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["id"] != "one" {
		t.Errorf("popped %q, want FIFO order", doc["id"])
	}

	// Empty queue is (nil, nil).
	q.PopDoc(ctx, "q", 0)
	raw, err = q.PopDoc(ctx, "q", 0)
	if err != nil || raw != nil {
		t.Errorf("PopDoc(empty) = (%v, %v), want (nil, nil)", raw, err)
	}
}

func TestQueue_SignedEnvelopes(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	signer := NewQueue(s, "queue-secret")
	if err := signer.PushDoc(ctx, "q", map[string]any{"id": "one"}); err != nil {
		t.Fatalf("PushDoc() error: %v", err)
	}

	raw, err := signer.PopDoc(ctx, "q", 0)
	if err != nil {
		t.Fatalf("PopDoc() error: %v", err)
	}
	var doc map[string]string
	if err := json.Unmarshal(raw, &doc); err != nil || doc["id"] != "one" {
		t.Errorf("payload = %s (%v)", raw, err)
	}

	// Unsigned message on a signed queue is rejected.
	plain := NewQueue(s, "")
	plain.PushDoc(ctx, "q", map[string]any{"id": "bare"})
	if _, err := signer.PopDoc(ctx, "q", 0); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("PopDoc(unsigned) = %v, want ErrBadEnvelope", err)
	}

	// Message signed with another secret is rejected.
	forger := NewQueue(s, "other-secret")
	forger.PushDoc(ctx, "q", map[string]any{"id": "forged"})
	if _, err := signer.PopDoc(ctx, "q", 0); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("PopDoc(forged) = %v, want ErrBadEnvelope", err)
	}
}

func TestQueue_ClaimID(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	q := NewQueue(s, "")
	ctx := context.Background()

	q.PushID(ctx, "proposed", "act_1")
	q.PushID(ctx, "proposed", "act_2")

	id, err := q.ClaimID(ctx, "proposed", "proposed:inflight", time.Second)
	if err != nil {
		t.Fatalf("ClaimID() error: %v", err)
	}
	if id != "act_1" {
		t.Errorf("claimed %q, want FIFO act_1", id)
	}

	inflight, err := q.InflightIDs(ctx, "proposed:inflight", 50)
	if err != nil || len(inflight) != 1 || inflight[0] != "act_1" {
		t.Errorf("InflightIDs() = (%v, %v)", inflight, err)
	}

	if err := q.DropInflight(ctx, "proposed:inflight", "act_1"); err != nil {
		t.Fatalf("DropInflight() error: %v", err)
	}
	if inflight, _ := q.InflightIDs(ctx, "proposed:inflight", 50); len(inflight) != 0 {
		t.Errorf("inflight after drop = %v", inflight)
	}

	if n, _ := q.Len(ctx, "proposed"); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestActionStore_SaveLoad(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	as := NewActionStore(s)
	ctx := context.Background()

	intent := action.Intent{Type: "restart_service", Target: "api"}
	digest, _ := action.Digest(intent)
	rec := &action.Record{
		ActionID:  "act_1700000000_abc123",
		CreatedTS: 1700000000,
		Status:    action.StatusProposed,
		Action:    intent,
		Digest:    digest,
	}

	if err := as.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if rec.Rev != 1 {
		t.Errorf("rev after create = %d, want 1", rec.Rev)
	}

	loaded, err := as.Load(ctx, rec.ActionID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Status != action.StatusProposed || loaded.Digest != digest || loaded.Rev != 1 {
		t.Errorf("Load() = %+v", loaded)
	}

	if _, err := as.Load(ctx, "act_missing"); !errors.Is(err, ErrActionNotFound) {
		t.Errorf("Load(missing) = %v, want ErrActionNotFound", err)
	}
}

func TestActionStore_RevConflict(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	as := NewActionStore(s)
	ctx := context.Background()

	rec := &action.Record{ActionID: "act_1", Status: action.StatusProposed}
	if err := as.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Two workers load rev 1; the second save must lose.
	first, _ := as.Load(ctx, "act_1")
	second, _ := as.Load(ctx, "act_1")

	first.Status = action.StatusApproved
	if err := as.Save(ctx, first); err != nil {
		t.Fatalf("Save() first writer error: %v", err)
	}
	if first.Rev != 2 {
		t.Errorf("first writer rev = %d, want 2", first.Rev)
	}

	second.Status = action.StatusRejected
	if err := as.Save(ctx, second); !errors.Is(err, ErrRevConflict) {
		t.Errorf("Save() second writer = %v, want ErrRevConflict", err)
	}

	// Creating over an existing record conflicts too.
	dup := &action.Record{ActionID: "act_1", Status: action.StatusProposed}
	if err := as.Save(ctx, dup); !errors.Is(err, ErrRevConflict) {
		t.Errorf("Save() duplicate create = %v, want ErrRevConflict", err)
	}

	loaded, _ := as.Load(ctx, "act_1")
	if loaded.Status != action.StatusApproved {
		t.Errorf("final status = %s, want approved", loaded.Status)
	}
}

func TestRedisOracle(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	o := NewRedisOracle(s)
	ctx := context.Background()

	score, err := o.Score(ctx, "agent-1")
	if err != nil || score != 1.0 {
		t.Errorf("Score(unseen) = (%v, %v), want 1.0", score, err)
	}

	score, err = o.Update(ctx, "agent-1", policy.Deny)
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if score >= 1.0 || score < 0.91 {
		t.Errorf("score after deny = %v, want about 0.92", score)
	}

	again, err := o.Score(ctx, "agent-1")
	if err != nil || again != score {
		t.Errorf("Score() = (%v, %v), want persisted %v", again, err, score)
	}

	// Allow at the ceiling stays clamped.
	for i := 0; i < 20; i++ {
		if score, err = o.Update(ctx, "agent-1", policy.Allow); err != nil {
			t.Fatalf("Update() error: %v", err)
		}
	}
	if score > 1.0 {
		t.Errorf("score exceeded ceiling: %v", score)
	}
}
