package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"e2e_relay/internal/service/ratelimit"
	"e2e_relay/internal/service/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu      sync.Mutex
	calls   int
	deleted int64
	err     error
}

func (s *fakeSweeper) SweepExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.deleted, s.err
}

type fakeSession struct {
	deviceID  string
	accountID string
	lastPong  time.Time

	mu        sync.Mutex
	pings     int
	pingErr   error
	closed    bool
	closeCode int
}

func (f *fakeSession) DeviceID() string    { return f.deviceID }
func (f *fakeSession) AccountID() string   { return f.accountID }
func (f *fakeSession) WriteJSON(any) error { return nil }
func (f *fakeSession) LastPong() time.Time { return f.lastPong }

func (f *fakeSession) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeSession) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func TestProbeEvictsDeadConnections(t *testing.T) {
	reg := registry.NewRegistry()
	r := NewReaper(reg, &fakeSweeper{}, ratelimit.NewLimiter(50, time.Minute), 30*time.Second, time.Hour)

	live := &fakeSession{deviceID: "dev-live", accountID: "acct-1", lastPong: time.Now()}
	dead := &fakeSession{deviceID: "dev-dead", accountID: "acct-2", lastPong: time.Now().Add(-5 * time.Minute)}
	reg.Register(live)
	reg.Register(dead)

	r.ProbeOnce()

	assert.True(t, dead.closed)
	assert.Equal(t, registry.CloseDead, dead.closeCode)
	_, ok := reg.LookupByDevice("dev-dead")
	assert.False(t, ok)

	assert.False(t, live.closed)
	assert.Equal(t, 1, live.pings)
	_, ok = reg.LookupByDevice("dev-live")
	assert.True(t, ok)
}

func TestProbeEvictsAfterOneMissedProbe(t *testing.T) {
	reg := registry.NewRegistry()
	r := NewReaper(reg, &fakeSweeper{}, ratelimit.NewLimiter(50, time.Minute), 30*time.Second, time.Hour)

	// Silent for just over one probe interval: terminated. A connection
	// that ponged within the interval stays.
	silent := &fakeSession{deviceID: "dev-silent", accountID: "acct-1", lastPong: time.Now().Add(-31 * time.Second)}
	recent := &fakeSession{deviceID: "dev-recent", accountID: "acct-2", lastPong: time.Now().Add(-29 * time.Second)}
	reg.Register(silent)
	reg.Register(recent)

	r.ProbeOnce()

	assert.True(t, silent.closed)
	assert.Equal(t, registry.CloseDead, silent.closeCode)
	assert.False(t, recent.closed)
	assert.Equal(t, 1, reg.Len())
}

func TestProbeEvictsOnPingFailure(t *testing.T) {
	reg := registry.NewRegistry()
	r := NewReaper(reg, &fakeSweeper{}, ratelimit.NewLimiter(50, time.Minute), 30*time.Second, time.Hour)

	broken := &fakeSession{deviceID: "dev-1", accountID: "acct-1", lastPong: time.Now(), pingErr: errors.New("broken pipe")}
	reg.Register(broken)

	r.ProbeOnce()

	assert.True(t, broken.closed)
	assert.Equal(t, registry.CloseDead, broken.closeCode)
	assert.Equal(t, 0, reg.Len())
}

func TestSweepOnceTolerateStoreFailure(t *testing.T) {
	reg := registry.NewRegistry()
	sweeper := &fakeSweeper{err: errors.New("mongo down")}
	limiter := ratelimit.NewLimiter(50, time.Minute)
	r := NewReaper(reg, sweeper, limiter, 30*time.Second, time.Hour)

	// Must not panic; the failure is retried on the next tick.
	r.SweepOnce()
	require.Equal(t, 1, sweeper.calls)

	sweeper.err = nil
	sweeper.deleted = 3
	r.SweepOnce()
	assert.Equal(t, 2, sweeper.calls)
}

func TestStartStop(t *testing.T) {
	reg := registry.NewRegistry()
	sweeper := &fakeSweeper{}
	r := NewReaper(reg, sweeper, ratelimit.NewLimiter(50, time.Minute), 10*time.Millisecond, 10*time.Millisecond)

	r.Start()
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	sweeper.mu.Lock()
	calls := sweeper.calls
	sweeper.mu.Unlock()
	assert.Greater(t, calls, 0)
}
