package reaper

import (
	"context"
	"sync"
	"time"

	"e2e_relay/internal/service/ratelimit"
	"e2e_relay/internal/service/registry"
	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Sweeper deletes expired envelopes from the durable store.
	Sweeper interface {
		SweepExpired(ctx context.Context) (int64, error)
	}

	// Reaper runs the two periodic maintenance tasks: the liveness probe
	// that evicts dead connections and the expiry sweep that bounds the
	// storage lifetime of undelivered envelopes. Neither blocks
	// connection handling.
	Reaper struct {
		registry *registry.Registry
		sweeper  Sweeper
		limiter  *ratelimit.Limiter

		probeInterval time.Duration
		sweepInterval time.Duration

		stop chan struct{}
		wg   sync.WaitGroup
	}
)

func NewReaper(reg *registry.Registry, sweeper Sweeper, limiter *ratelimit.Limiter, probeInterval, sweepInterval time.Duration) *Reaper {
	return &Reaper{
		registry:      reg,
		sweeper:       sweeper,
		limiter:       limiter,
		probeInterval: probeInterval,
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	r.wg.Add(2)
	go r.probeLoop()
	go r.sweepLoop()
}

func (r *Reaper) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Reaper) probeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ProbeOnce()
		case <-r.stop:
			return
		}
	}
}

// ProbeOnce pings every live connection and evicts those that have not
// answered since the previous probe. A connection gets one full interval
// to pong before it is declared dead.
func (r *Reaper) ProbeOnce() {
	deadline := r.probeInterval

	for _, sess := range r.registry.Snapshot() {
		if time.Since(sess.LastPong()) > deadline {
			log.Info("evicting dead connection", zap.String("device", sess.DeviceID()))
			r.registry.Unregister(sess)
			_ = sess.Close(registry.CloseDead, "no heartbeat")
			continue
		}
		if err := sess.Ping(); err != nil {
			log.Debug("ping write failed", zap.Error(err), zap.String("device", sess.DeviceID()))
			r.registry.Unregister(sess)
			_ = sess.Close(registry.CloseDead, "no heartbeat")
		}
	}
}

func (r *Reaper) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepOnce()
		case <-r.stop:
			return
		}
	}
}

// SweepOnce deletes expired envelopes and drops stale rate-limiter
// entries. Store failures are logged and retried on the next tick.
func (r *Reaper) SweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := r.sweeper.SweepExpired(ctx)
	if err != nil {
		log.Error("expiry sweep failed", zap.Error(err))
	} else if deleted > 0 {
		log.Info("expired envelopes swept", zap.Int64("deleted", deleted))
	}

	r.limiter.Sweep()
}
