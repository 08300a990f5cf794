package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowUpToLimit(t *testing.T) {
	l := NewLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("dev-1"), "message %d should pass", i+1)
	}
	assert.False(t, l.Allow("dev-1"), "message over the limit must be rejected")
	assert.False(t, l.Allow("dev-1"))

	// Independent devices have independent windows.
	assert.True(t, l.Allow("dev-2"))
}

func TestWindowResets(t *testing.T) {
	l := NewLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("dev-1"))
	assert.True(t, l.Allow("dev-1"))
	assert.False(t, l.Allow("dev-1"))

	// Rejections must not extend the window.
	now = now.Add(59 * time.Second)
	assert.False(t, l.Allow("dev-1"))

	now = now.Add(2 * time.Second)
	assert.True(t, l.Allow("dev-1"), "window elapsed, counter restarts")
}

func TestSweepDropsStaleEntries(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow("dev-1")
	l.Allow("dev-2")

	assert.Equal(t, 0, l.Sweep(), "live windows are kept")

	now = now.Add(2 * time.Minute)
	l.Allow("dev-2") // fresh window for dev-2

	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.entries, 1)
}
