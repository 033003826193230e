// Package ratelimit provides the per-agent sliding-window admission check
// used by the gateway. State is process-local; a single gateway instance is
// assumed.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Usage reports the current window occupancy for one agent.
type Usage struct {
	Max       int `json:"max"`
	WindowSec int `json:"window_sec"`
	Recent    int `json:"recent"`
	Remaining int `json:"remaining"`
}

// SlidingWindow admits at most Max events per agent within Window.
// A rejected attempt does not consume quota. Thread-safe.
// Includes background cleanup to prevent unbounded memory growth.
type SlidingWindow struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	events  map[string][]time.Time
	now     func() time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	cleanup time.Duration
}

// NewSlidingWindow creates a limiter admitting max events per window.
// max <= 0 disables limiting (every attempt is admitted).
func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:     max,
		window:  window,
		events:  make(map[string][]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
		cleanup: 5 * time.Minute,
	}
}

// Allow records and admits one event for agent iff the window has room.
func (l *SlidingWindow) Allow(agent string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.pruneLocked(agent, now)
	if len(recent) >= l.max {
		return false
	}
	l.events[agent] = append(recent, now)
	return true
}

// Usage returns the window occupancy for agent without consuming quota.
func (l *SlidingWindow) Usage(agent string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := len(l.pruneLocked(agent, l.now()))
	remaining := l.max - recent
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Max:       l.max,
		WindowSec: int(l.window / time.Second),
		Recent:    recent,
		Remaining: remaining,
	}
}

// pruneLocked drops events older than the window and returns the survivors.
// Must be called with l.mu held.
func (l *SlidingWindow) pruneLocked(agent string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	q := l.events[agent]
	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		q = append([]time.Time(nil), q[i:]...)
		if len(q) == 0 {
			delete(l.events, agent)
		} else {
			l.events[agent] = q
		}
	}
	return q
}

// StartCleanup starts the background goroutine that drops idle agents.
// It stops when ctx is cancelled or Stop is called.
func (l *SlidingWindow) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanup)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// sweep removes agents whose entire window has expired.
func (l *SlidingWindow) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	cleaned := 0
	for agent, q := range l.events {
		if len(q) == 0 || !q[len(q)-1].After(cutoff) {
			delete(l.events, agent)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("rate limiter sweep completed",
			"cleaned_agents", cleaned,
			"remaining_agents", len(l.events))
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (l *SlidingWindow) Stop() {
	l.once.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

// Size returns the number of tracked agents. Useful for tests and metrics.
func (l *SlidingWindow) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
