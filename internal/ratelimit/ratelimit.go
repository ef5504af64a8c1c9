// Package ratelimit implements per-connection sliding-window counters for
// the action classes a client can trigger.
package ratelimit

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Category is an action class with its own window and limit.
type Category string

const (
	General Category = "general"
	Join    Category = "join"
	Claim   Category = "claim"
)

// Rule is the limit for one category: at most Limit attempts in any Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules keeps general traffic and claims tight and joins looser.
func DefaultRules() map[Category]Rule {
	return map[Category]Rule{
		General: {Limit: 30, Window: 10 * time.Second},
		Join:    {Limit: 10, Window: time.Minute},
		Claim:   {Limit: 3, Window: 5 * time.Second},
	}
}

type windowKey struct {
	key      string
	category Category
}

// Limiter tracks request timestamps per (key, category).
type Limiter struct {
	rules   map[Category]Rule
	windows map[windowKey][]time.Time
	clock   quartz.Clock
	mu      sync.Mutex
}

// New creates a limiter. Categories without a rule are never limited.
func New(rules map[Category]Rule, clock quartz.Clock) *Limiter {
	return &Limiter{
		rules:   rules,
		windows: make(map[windowKey][]time.Time),
		clock:   clock,
	}
}

// Allow prunes stale timestamps, accepts iff the window holds fewer than
// Limit attempts, and records the accepted attempt.
func (l *Limiter) Allow(key string, category Category) bool {
	rule, ok := l.rules[category]
	if !ok || rule.Limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	wk := windowKey{key: key, category: category}
	requests := prune(l.windows[wk], now.Add(-rule.Window))

	if len(requests) >= rule.Limit {
		l.windows[wk] = requests
		return false
	}

	l.windows[wk] = append(requests, now)
	return true
}

// prune drops timestamps at or before windowStart. Timestamps are appended
// in order so the first one inside the window splits the slice.
func prune(requests []time.Time, windowStart time.Time) []time.Time {
	for i, ts := range requests {
		if ts.After(windowStart) {
			return requests[i:]
		}
	}
	return requests[:0]
}

// Count returns the attempts currently inside the window.
func (l *Limiter) Count(key string, category Category) int {
	rule := l.rules[category]

	l.mu.Lock()
	defer l.mu.Unlock()
	return len(prune(l.windows[windowKey{key: key, category: category}], l.clock.Now().Add(-rule.Window)))
}

// Forget drops every window for key, used when a connection closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for wk := range l.windows {
		if wk.key == key {
			delete(l.windows, wk)
		}
	}
}

// Sweep removes windows that no longer hold any live timestamp and returns
// how many were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for wk, requests := range l.windows {
		rule := l.rules[wk.category]
		if len(prune(requests, now.Add(-rule.Window))) == 0 {
			delete(l.windows, wk)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
