package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairbot/internal/domain"
	"pairbot/internal/events"
	"pairbot/internal/models"
)

type extensionOfferRule struct {
	e *Engine
}

func (r *extensionOfferRule) Name() string { return RuleExtensionOffer }

func (r *extensionOfferRule) Apply(ctx context.Context, now time.Time) Report {
	return scan(ctx, r.e, RuleExtensionOffer, now,
		func(ctx context.Context) ([]models.ExtensionCandidate, error) {
			return r.e.store.FindExtensionCandidates(ctx, now, r.e.cfg.ExtensionWindow)
		},
		r.act)
}

func (r *extensionOfferRule) act(ctx context.Context, c models.ExtensionCandidate) (Outcome, error) {
	e := r.e
	if e.recentlyApplied(ctx, c.ID(), RuleExtensionOffer) {
		return OutcomeSkipped, nil
	}
	b, outcome, err := e.loadBooking(ctx, c.ID())
	if b == nil {
		return outcome, err
	}
	if b.Status != models.StatusConfirmed || b.ExtensionPromptShown || b.TextChannelRef == "" {
		return OutcomeSkipped, nil
	}

	if err := e.platform.PostInteractivePrompt(ctx, b.TextChannelRef, extensionPrompt(b, e.cfg.ExtensionIncrement)); err != nil {
		return OutcomeFailed, fmt.Errorf("post extension prompt: %w", err)
	}
	e.markApplied(ctx, b.ID, RuleExtensionOffer)

	if err := e.store.SetFlag(ctx, b.ID, models.FlagExtensionPromptShown, true); err != nil {
		return OutcomeFailed, fmt.Errorf("persist extension prompt flag: %w", err)
	}
	return OutcomeApplied, nil
}

// teardownRule removes the voice channel at the end of a session, asks for
// ratings and completes the booking.
type teardownRule struct {
	e *Engine
}

func (r *teardownRule) Name() string { return RuleTeardown }

func (r *teardownRule) Apply(ctx context.Context, now time.Time) Report {
	return scan(ctx, r.e, RuleTeardown, now,
		func(ctx context.Context) ([]models.TeardownCandidate, error) {
			return r.e.store.FindTeardownCandidates(ctx, now)
		},
		func(ctx context.Context, c models.TeardownCandidate) (Outcome, error) {
			return r.act(ctx, c, now)
		})
}

func (r *teardownRule) act(ctx context.Context, c models.TeardownCandidate, now time.Time) (Outcome, error) {
	e := r.e
	b, outcome, err := e.loadBooking(ctx, c.ID())
	if b == nil {
		return outcome, err
	}
	if b.Status != models.StatusConfirmed || b.VoiceChannelRef == "" {
		return OutcomeSkipped, nil
	}

	if err := e.deleteChannel(ctx, b.VoiceChannelRef); err != nil {
		return OutcomeFailed, err
	}

	// the prompt is not durable, dedup keeps a retried teardown from posting it twice
	if !b.RatingCompleted && b.TextChannelRef != "" && !e.recentlyApplied(ctx, b.ID, RuleTeardown) {
		err := e.platform.PostInteractivePrompt(ctx, b.TextChannelRef, ratingPrompt(b))
		switch {
		case err == nil:
			e.markApplied(ctx, b.ID, RuleTeardown)
		case errors.Is(err, domain.ErrChannelNotFound):
			e.logger.Warn().Err(err).Str("booking_id", b.ID).Msg("Text channel gone, completing without rating prompt")
		default:
			// booking stays CONFIRMED with its voice handle, the next tick retries
			return OutcomeFailed, fmt.Errorf("post rating prompt: %w", err)
		}
	}

	transitioned, err := e.store.CompleteBooking(ctx, b.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("complete booking: %w", err)
	}
	if !transitioned {
		return OutcomeSkipped, nil
	}
	e.publishCompleted(b.ID, events.ReasonTeardown, true, now)
	return OutcomeApplied, nil
}

type textCleanupRule struct {
	e *Engine
}

func (r *textCleanupRule) Name() string { return RuleTextCleanup }

func (r *textCleanupRule) Apply(ctx context.Context, now time.Time) Report {
	return scan(ctx, r.e, RuleTextCleanup, now,
		func(ctx context.Context) ([]models.CleanupCandidate, error) {
			return r.e.store.FindCleanupCandidates(ctx)
		},
		r.act)
}

func (r *textCleanupRule) act(ctx context.Context, c models.CleanupCandidate) (Outcome, error) {
	e := r.e
	if e.recentlyApplied(ctx, c.ID(), RuleTextCleanup) {
		return OutcomeSkipped, nil
	}
	b, outcome, err := e.loadBooking(ctx, c.ID())
	if b == nil {
		return outcome, err
	}
	if !b.RatingCompleted || b.TextChannelCleaned || b.TextChannelRef == "" {
		return OutcomeSkipped, nil
	}

	if err := e.deleteChannel(ctx, b.TextChannelRef); err != nil {
		return OutcomeFailed, err
	}
	e.markApplied(ctx, b.ID, RuleTextCleanup)

	if err := e.store.SetFlag(ctx, b.ID, models.FlagTextChannelCleaned, true); err != nil {
		return OutcomeFailed, fmt.Errorf("persist cleanup flag: %w", err)
	}
	return OutcomeApplied, nil
}

// missedRatingRule closes out bookings that ended long ago without teardown or
// any rating.
type missedRatingRule struct {
	e *Engine
}

func (r *missedRatingRule) Name() string { return RuleMissedRating }

func (r *missedRatingRule) Apply(ctx context.Context, now time.Time) Report {
	cutoff := now.Add(-r.e.cfg.MissedRatingGrace)
	return scan(ctx, r.e, RuleMissedRating, now,
		func(ctx context.Context) ([]models.MissedRatingCandidate, error) {
			return r.e.store.FindMissedRatingCandidates(ctx, cutoff)
		},
		func(ctx context.Context, c models.MissedRatingCandidate) (Outcome, error) {
			return r.act(ctx, c, now)
		})
}

func (r *missedRatingRule) act(ctx context.Context, c models.MissedRatingCandidate, now time.Time) (Outcome, error) {
	e := r.e
	b, outcome, err := e.loadBooking(ctx, c.ID())
	if b == nil {
		return outcome, err
	}
	if b.Status != models.StatusConfirmed {
		return OutcomeSkipped, nil
	}

	for _, ref := range []string{b.EarlyTextChannelRef, b.TextChannelRef, b.VoiceChannelRef} {
		if ref == "" {
			continue
		}
		if err := e.deleteChannel(ctx, ref); err != nil {
			return OutcomeFailed, err
		}
	}
	if err := e.store.ClearHandles(ctx, b.ID); err != nil {
		return OutcomeFailed, fmt.Errorf("clear handles: %w", err)
	}

	transitioned, err := e.store.CompleteBooking(ctx, b.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("complete booking: %w", err)
	}
	if !transitioned {
		return OutcomeSkipped, nil
	}
	e.publishCompleted(b.ID, events.ReasonMissedRating, false, now)
	return OutcomeApplied, nil
}

// ratingExpiryRule forces out rating reports whose window timer was lost.
type ratingExpiryRule struct {
	e *Engine
}

func (r *ratingExpiryRule) Name() string { return RuleRatingExpiry }

func (r *ratingExpiryRule) Apply(ctx context.Context, now time.Time) Report {
	cutoff := now.Add(-r.e.ratingWindow)
	return scan(ctx, r.e, RuleRatingExpiry, now,
		func(ctx context.Context) ([]models.RatingExpiryCandidate, error) {
			return r.e.store.FindExpiredRatingWindows(ctx, cutoff)
		},
		func(ctx context.Context, c models.RatingExpiryCandidate) (Outcome, error) {
			if r.e.ratings == nil {
				return OutcomeSkipped, nil
			}
			if err := r.e.ratings.FlushBooking(ctx, c.ID()); err != nil {
				return OutcomeFailed, fmt.Errorf("flush ratings: %w", err)
			}
			return OutcomeApplied, nil
		})
}
