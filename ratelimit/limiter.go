package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a single Allow call
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most max events per sliding window for a key
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error)
}

// sweepEvery controls how often idle keys are dropped from memory
const sweepEvery = 1024

// Memory is a process-local sliding log limiter. It is only correct for a
// single gateway process; multi-process deployments use Redis.
type Memory struct {
	mu     sync.Mutex
	events map[string][]time.Time
	calls  int
	// longest window seen, so sweeps never drop live events of other routes
	longest time.Duration
	now     func() time.Time
}

// NewMemory creates an in-process limiter
func NewMemory() *Memory {
	return &Memory{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an event for key if the window has room
func (m *Memory) Allow(_ context.Context, key string, window time.Duration, max int) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.calls++
	if window > m.longest {
		m.longest = window
	}
	if m.calls%sweepEvery == 0 {
		m.sweep(now, m.longest)
	}

	kept := prune(m.events[key], now.Add(-window))
	if len(kept) >= max {
		m.events[key] = kept
		return Decision{
			Allowed:    false,
			RetryAfter: kept[0].Add(window).Sub(now),
		}, nil
	}

	m.events[key] = append(kept, now)
	return Decision{Allowed: true, Remaining: max - len(kept) - 1}, nil
}

// sweep drops keys whose newest event is older than window
func (m *Memory) sweep(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for k, ev := range m.events {
		if len(ev) == 0 || !ev[len(ev)-1].After(cutoff) {
			delete(m.events, k)
		}
	}
}

// prune removes events at or before cutoff; events are kept in time order
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
