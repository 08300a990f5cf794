package ratelimit

import (
	"sync"
	"time"
)

type (
	window struct {
		start time.Time
		count int
	}

	// Limiter counts inbound messages per sending device over a fixed
	// window. Over-limit messages do not extend the window; the counter
	// resets once the window elapses.
	Limiter struct {
		mu      sync.Mutex
		max     int
		window  time.Duration
		entries map[string]*window

		now func() time.Time // swapped in tests
	}
)

func NewLimiter(max int, windowDur time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  windowDur,
		entries: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow reports whether the device may send another message right now and
// counts it if so.
func (l *Limiter) Allow(deviceID string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.entries[deviceID]
	if !ok || now.Sub(w.start) >= l.window {
		l.entries[deviceID] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Sweep drops entries whose window has lapsed, bounding memory for devices
// that went quiet. Returns the number of entries removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.entries {
		if now.Sub(w.start) >= l.window {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}
