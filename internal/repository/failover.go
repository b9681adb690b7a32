package repository

import (
	"context"
	"sync/atomic"
	"time"

	"pairbot/internal/domain"

	"github.com/rs/zerolog"
)

const primaryRetryInterval = time.Minute

// FailoverDedupTracker uses primary until it fails, then serves from fallback
// and retries primary once per minute.
type FailoverDedupTracker struct {
	primary   domain.DedupTracker
	fallback  domain.DedupTracker
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverDedupTracker(primary, fallback domain.DedupTracker, logger *zerolog.Logger) *FailoverDedupTracker {
	return &FailoverDedupTracker{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the next call should go to the primary tracker.
func (r *FailoverDedupTracker) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	last := time.Unix(0, r.lastCheck.Load())
	return r.now().Sub(last) > primaryRetryInterval
}

func (r *FailoverDedupTracker) primaryFailed(err error) {
	if r.isDown.CompareAndSwap(false, true) {
		r.logger.Error().Err(err).Msg("Primary dedup tracker failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverDedupTracker) primaryOK() {
	if r.isDown.CompareAndSwap(true, false) {
		r.logger.Info().Msg("Primary dedup tracker recovered")
	}
}

func (r *FailoverDedupTracker) Seen(ctx context.Context, bookingID, rule string) (bool, error) {
	if r.usePrimary() {
		seen, err := r.primary.Seen(ctx, bookingID, rule)
		if err == nil {
			r.primaryOK()
			return seen, nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.Seen(ctx, bookingID, rule)
}

func (r *FailoverDedupTracker) Mark(ctx context.Context, bookingID, rule string) error {
	if r.usePrimary() {
		err := r.primary.Mark(ctx, bookingID, rule)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.Mark(ctx, bookingID, rule)
}

func (r *FailoverDedupTracker) Forget(ctx context.Context, bookingID, rule string) error {
	// fallback may hold keys written while primary was down
	_ = r.fallback.Forget(ctx, bookingID, rule)
	if r.usePrimary() {
		err := r.primary.Forget(ctx, bookingID, rule)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.primaryFailed(err)
	}
	return nil
}
