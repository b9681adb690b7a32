package scheduler

import (
	"context"
	"sync/atomic"

	"pairbot/internal/logging"
	"pairbot/internal/metrics"
	"pairbot/internal/worker"

	"github.com/rs/zerolog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthGate pauses rule ticks while the booking store is unreachable.
type HealthGate struct {
	store   Pinger
	policy  worker.RetryPolicy
	healthy atomic.Bool
	probing atomic.Bool
	logger  *zerolog.Logger
}

func NewHealthGate(store Pinger, policy worker.RetryPolicy, logger *zerolog.Logger) *HealthGate {
	g := &HealthGate{
		store:  store,
		policy: policy,
		logger: logging.Component(logger, "health"),
	}
	g.healthy.Store(true)
	metrics.SetStoreHealthy(true)
	return g
}

func (g *HealthGate) Healthy() bool {
	return g.healthy.Load()
}

// ReportFailure marks the store unhealthy and starts a background probe
// that reopens the gate on the first successful ping.
func (g *HealthGate) ReportFailure(ctx context.Context, cause error) {
	if g.healthy.CompareAndSwap(true, false) {
		metrics.SetStoreHealthy(false)
		g.logger.Error().Err(cause).Msg("Booking store unreachable, pausing rules")
	}
	if !g.probing.CompareAndSwap(false, true) {
		return
	}
	go g.recover(ctx)
}

func (g *HealthGate) recover(ctx context.Context) {
	defer g.probing.Store(false)

	for attempt := 1; ; attempt++ {
		if err := g.policy.Wait(ctx, attempt); err != nil {
			return
		}
		err := g.store.Ping(ctx)
		if err == nil {
			g.markHealthy()
			return
		}
		g.logger.Warn().Err(err).Int("attempt", attempt).Msg("Store probe failed")
		if g.policy.MaxRetries > 0 && attempt >= g.policy.MaxRetries {
			// the next rule failure or periodic check starts another health check
			return
		}
	}
}

// Probe pings the store once; used by the periodic health check.
func (g *HealthGate) Probe(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		g.ReportFailure(ctx, err)
		return err
	}
	g.markHealthy()
	return nil
}

func (g *HealthGate) markHealthy() {
	if g.healthy.CompareAndSwap(false, true) {
		metrics.SetStoreHealthy(true)
		g.logger.Info().Msg("Booking store reachable again, resuming rules")
	}
}
