package ratelimit

import (
	"sync"
	"time"
)

// FixedWindow caps requests per key to maxRequests within a fixed window,
// using a provided Clock.
//
// A key's first request inside a fresh window starts the window; the window
// boundary does not slide. Once a key hits the cap, further requests inside
// the same window are rejected without incrementing the count.
type FixedWindow struct {
	mu sync.Mutex

	clock Clock

	maxRequests int
	window      time.Duration

	entries map[string]*windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

func NewFixedWindow(clock Clock, maxRequests int, window time.Duration) *FixedWindow {
	if clock == nil {
		clock = RealClock{}
	}
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		clock:       clock,
		maxRequests: maxRequests,
		window:      window,
		entries:     make(map[string]*windowEntry),
	}
}

// Allow consumes one request for key.
//
// When rejected, retryAfter is the time remaining until the key's window
// resets (always > 0).
func (fw *FixedWindow) Allow(key string) (allowed bool, retryAfter time.Duration) {
	now := fw.clock.Now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	e, ok := fw.entries[key]
	if !ok || !e.resetAt.After(now) {
		fw.entries[key] = &windowEntry{count: 1, resetAt: now.Add(fw.window)}
		return true, 0
	}

	if e.count >= fw.maxRequests {
		return false, e.resetAt.Sub(now)
	}

	e.count++
	return true, 0
}

// Sweep drops entries whose window has already reset. The caller decides when
// to sweep; entries are also replaced lazily by Allow, so sweeping only bounds
// memory for keys that never return.
func (fw *FixedWindow) Sweep() {
	now := fw.clock.Now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	for key, e := range fw.entries {
		if !e.resetAt.After(now) {
			delete(fw.entries, key)
		}
	}
}

// Len reports the number of tracked keys.
func (fw *FixedWindow) Len() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.entries)
}
