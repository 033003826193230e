package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAllow_UnderLimit(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("agent-1") {
			t.Fatalf("request %d rejected, want admitted", i+1)
		}
	}
	if l.Allow("agent-1") {
		t.Error("request over the limit was admitted")
	}
}

func TestAllow_RejectionDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()

	now := time.Now()
	l := NewSlidingWindow(2, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("a")
	for i := 0; i < 10; i++ {
		if l.Allow("a") {
			t.Fatal("over-limit request admitted")
		}
	}

	// The two admitted events age out together; rejected attempts left no trace.
	now = now.Add(61 * time.Second)
	if !l.Allow("a") {
		t.Error("request after window expiry rejected")
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	t.Parallel()

	now := time.Now()
	l := NewSlidingWindow(2, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(30 * time.Second)
	l.Allow("a")

	if l.Allow("a") {
		t.Fatal("third request within window admitted")
	}

	// First event expires, second is still inside the window.
	now = now.Add(31 * time.Second)
	if !l.Allow("a") {
		t.Error("request rejected after oldest event expired")
	}
	if l.Allow("a") {
		t.Error("request admitted with window full again")
	}
}

func TestAllow_PerAgentIsolation(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(1, time.Minute)
	if !l.Allow("a") {
		t.Fatal("first request for a rejected")
	}
	if l.Allow("a") {
		t.Error("second request for a admitted")
	}
	if !l.Allow("b") {
		t.Error("request for b rejected by a's quota")
	}
}

func TestAllow_Disabled(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestUsage(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(5, time.Minute)
	l.Allow("a")
	l.Allow("a")

	u := l.Usage("a")
	if u.Recent != 2 || u.Remaining != 3 {
		t.Errorf("Usage() = %+v, want recent 2 remaining 3", u)
	}
	if u.Max != 5 || u.WindowSec != 60 {
		t.Errorf("Usage() limits = %+v, want max 5 window 60", u)
	}

	// Usage itself must not consume quota.
	if got := l.Usage("a"); got.Recent != 2 {
		t.Errorf("Usage() consumed quota: recent = %d", got.Recent)
	}

	u = l.Usage("unknown")
	if u.Recent != 0 || u.Remaining != 5 {
		t.Errorf("Usage(unknown) = %+v, want recent 0 remaining 5", u)
	}
}

func TestSweep_DropsIdleAgents(t *testing.T) {
	t.Parallel()

	now := time.Now()
	l := NewSlidingWindow(5, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	if l.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", l.Size())
	}

	now = now.Add(2 * time.Minute)
	l.sweep()
	if l.Size() != 0 {
		t.Errorf("Size() after sweep = %d, want 0", l.Size())
	}
}

func TestStartCleanup_StopsCleanly(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(5, time.Minute)
	l.StartCleanup(context.Background())
	l.Stop()
	// Stop is idempotent.
	l.Stop()
}

func TestStartCleanup_ContextCancel(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(5, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	l.StartCleanup(ctx)
	cancel()
	l.wg.Wait()
}
