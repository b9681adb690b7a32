// Package reconcile holds the rules that drive booking chat surfaces toward
// the state implied by each booking's schedule and flags.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/domain"
	"pairbot/internal/events"
	"pairbot/internal/logging"
	"pairbot/internal/metrics"
	"pairbot/internal/models"

	"github.com/rs/zerolog"
)

// Rule names, also used as dedup keys and metric labels.
const (
	RuleEarlySurface      = "early_surface"
	RuleVoiceProvisioning = "voice_provisioning"
	RuleInstantVoice      = "instant_voice"
	RuleExtensionOffer    = "extension_offer"
	RuleTeardown          = "teardown"
	RuleTextCleanup       = "text_cleanup"
	RuleMissedRating      = "missed_rating"
	RuleRatingExpiry      = "rating_expiry"
)

var ErrInvariantViolation = errors.New("invariant violation")

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeInvariant Outcome = "invariant"
)

// Result is the outcome of one rule for one booking.
type Result struct {
	BookingID string
	Outcome   Outcome
	Err       error
}

// Report summarises one rule pass.
type Report struct {
	Rule     string
	Now      time.Time
	Results  []Result
	QueryErr error
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

type Rule interface {
	Name() string
	Apply(ctx context.Context, now time.Time) Report
}

// RatingFlusher forces the rating report for a booking out.
type RatingFlusher interface {
	FlushBooking(ctx context.Context, bookingID string) error
}

type Deps struct {
	Store    domain.BookingStore
	Platform domain.ChannelPlatform
	Dedup    domain.DedupTracker
	Events   domain.EventPublisher
	Ratings  RatingFlusher
	Locks    *KeyedMutex
	Logger   *zerolog.Logger
}

// Engine owns the rules and the state they share.
type Engine struct {
	store    domain.BookingStore
	platform domain.ChannelPlatform
	dedup    domain.DedupTracker
	events   domain.EventPublisher
	ratings  RatingFlusher
	locks    *KeyedMutex
	logger   *zerolog.Logger

	cfg          config.ReconcileConfig
	ratingWindow time.Duration
	loc          *time.Location

	instant *instantVoiceRule
	rules   []Rule
}

func NewEngine(deps Deps, cfg config.ReconcileConfig, ratingCfg config.RatingConfig) *Engine {
	if deps.Locks == nil {
		deps.Locks = NewKeyedMutex()
	}
	if deps.Logger == nil {
		nop := zerolog.Nop()
		deps.Logger = &nop
	}
	if cfg.VoiceLead <= 0 {
		cfg.VoiceLead = models.DefaultVoiceLead
	}
	if cfg.ExtensionWindow <= 0 {
		cfg.ExtensionWindow = models.DefaultExtensionWindow
	}
	if cfg.ExtensionIncrement <= 0 {
		cfg.ExtensionIncrement = models.DefaultExtensionIncrement
	}
	if cfg.MissedRatingGrace <= 0 {
		cfg.MissedRatingGrace = models.DefaultMissedRatingGrace
	}
	ratingWindow := ratingCfg.OuterTimeout
	if ratingWindow <= 0 {
		ratingWindow = models.DefaultRatingOuterTimeout
	}

	e := &Engine{
		store:        deps.Store,
		platform:     deps.Platform,
		dedup:        deps.Dedup,
		events:       deps.Events,
		ratings:      deps.Ratings,
		locks:        deps.Locks,
		logger:       logging.Component(deps.Logger, "reconcile"),
		cfg:          cfg,
		ratingWindow: ratingWindow,
		loc:          cfg.Location(),
	}
	e.instant = newInstantVoiceRule(e)
	e.rules = []Rule{
		&earlySurfaceRule{e: e},
		&voiceProvisioningRule{e: e},
		e.instant,
		&extensionOfferRule{e: e},
		&teardownRule{e: e},
		&textCleanupRule{e: e},
		&missedRatingRule{e: e},
		&ratingExpiryRule{e: e},
	}
	return e
}

// Rules returns the rules in dependency order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

func (e *Engine) Rule(name string) (Rule, bool) {
	for _, r := range e.rules {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// Locks exposes the per-booking mutex so other writers can share it.
func (e *Engine) Locks() *KeyedMutex {
	return e.locks
}

// Stop cancels pending instant-mode timers.
func (e *Engine) Stop() {
	e.instant.Stop()
}

type candidate interface {
	ID() string
}

// scan runs act for every candidate returned by find, one booking at a time.
func scan[T candidate](
	ctx context.Context,
	e *Engine,
	rule string,
	now time.Time,
	find func(ctx context.Context) ([]T, error),
	act func(ctx context.Context, c T) (Outcome, error),
) Report {
	started := time.Now()
	defer func() { metrics.ObserveTick(rule, time.Since(started)) }()

	report := Report{Rule: rule, Now: now}
	items, err := find(ctx)
	if err != nil {
		report.QueryErr = err
		e.logger.Error().Err(err).Str("rule", rule).Msg("Candidate query failed")
		return report
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		report.Results = append(report.Results, e.applyOne(ctx, rule, item.ID(), func(ctx context.Context) (Outcome, error) {
			return act(ctx, item)
		}))
	}

	if applied, failed := report.Count(OutcomeApplied), report.Count(OutcomeFailed); applied > 0 || failed > 0 {
		e.logger.Info().
			Str("rule", rule).
			Int("candidates", len(items)).
			Int("applied", applied).
			Int("failed", failed).
			Int("invariant", report.Count(OutcomeInvariant)).
			Msg("Rule pass finished")
	}
	return report
}

// applyOne runs fn under the booking lock. A panic fails only this booking.
func (e *Engine) applyOne(ctx context.Context, rule, bookingID string, fn func(ctx context.Context) (Outcome, error)) (res Result) {
	unlock := e.locks.Lock(bookingID)
	defer unlock()

	res.BookingID = bookingID
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("panic: %v", r)
		}
		metrics.ObserveRuleResult(rule, string(res.Outcome))
		e.logResult(rule, res)
	}()

	res.Outcome, res.Err = fn(ctx)
	if res.Outcome == "" {
		res.Outcome = OutcomeApplied
		if res.Err != nil {
			res.Outcome = OutcomeFailed
		}
	}
	return res
}

func (e *Engine) logResult(rule string, res Result) {
	switch res.Outcome {
	case OutcomeFailed:
		e.logger.Error().Err(res.Err).Str("rule", rule).Str("booking_id", res.BookingID).Msg("Rule failed for booking")
	case OutcomeInvariant:
		e.logger.Error().Err(res.Err).Str("rule", rule).Str("booking_id", res.BookingID).Bool("invariant", true).Msg("Booking state violates rule invariant, leaving untouched")
	case OutcomeApplied:
		e.logger.Info().Str("rule", rule).Str("booking_id", res.BookingID).Msg("Rule applied")
	default:
		e.logger.Debug().Str("rule", rule).Str("booking_id", res.BookingID).Msg("Rule skipped")
	}
}

// recentlyApplied consults the non-durable dedup layer. Errors count as "not seen".
func (e *Engine) recentlyApplied(ctx context.Context, bookingID, rule string) bool {
	if e.dedup == nil {
		return false
	}
	seen, err := e.dedup.Seen(ctx, bookingID, rule)
	if err != nil {
		e.logger.Warn().Err(err).Str("rule", rule).Str("booking_id", bookingID).Msg("Dedup lookup failed")
		return false
	}
	return seen
}

func (e *Engine) markApplied(ctx context.Context, bookingID, rule string) {
	if e.dedup == nil {
		return
	}
	if err := e.dedup.Mark(ctx, bookingID, rule); err != nil {
		e.logger.Warn().Err(err).Str("rule", rule).Str("booking_id", bookingID).Msg("Dedup mark failed")
	}
}

// loadBooking re-reads the booking inside the lock. A vanished booking is skipped.
func (e *Engine) loadBooking(ctx context.Context, bookingID string) (*models.Booking, Outcome, error) {
	b, err := e.store.GetBooking(ctx, bookingID)
	if errors.Is(err, domain.ErrBookingNotFound) {
		return nil, OutcomeSkipped, nil
	}
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("load booking: %w", err)
	}
	return b, "", nil
}

func (e *Engine) findOrCreateText(ctx context.Context, name string, participants []string) (string, error) {
	ref, found, err := e.platform.FindChannel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("find text channel %q: %w", name, err)
	}
	if found {
		e.logger.Info().Str("channel", name).Str("channel_ref", ref).Msg("Adopting existing text channel")
		return ref, nil
	}
	ref, err = e.platform.CreateTextChannel(ctx, name, participants)
	if err != nil {
		return "", fmt.Errorf("create text channel %q: %w", name, err)
	}
	return ref, nil
}

func (e *Engine) findOrCreateVoice(ctx context.Context, name string, participants []string) (string, error) {
	ref, found, err := e.platform.FindChannel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("find voice channel %q: %w", name, err)
	}
	if found {
		e.logger.Info().Str("channel", name).Str("channel_ref", ref).Msg("Adopting existing voice channel")
		return ref, nil
	}
	ref, err = e.platform.CreateVoiceChannel(ctx, name, participants)
	if err != nil {
		return "", fmt.Errorf("create voice channel %q: %w", name, err)
	}
	return ref, nil
}

// deleteChannel treats an already missing channel as deleted.
func (e *Engine) deleteChannel(ctx context.Context, ref string) error {
	err := e.platform.DeleteChannel(ctx, ref)
	if err == nil || errors.Is(err, domain.ErrChannelNotFound) {
		return nil
	}
	return fmt.Errorf("delete channel %s: %w", ref, err)
}

func (e *Engine) publishCompleted(bookingID, reason string, openRatingWindow bool, at time.Time) {
	if e.events == nil {
		return
	}
	err := e.events.PublishJSON(events.EventBookingCompleted, events.BookingCompletedPayload{
		BookingID:        bookingID,
		Reason:           reason,
		OpenRatingWindow: openRatingWindow,
		CompletedAt:      at,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("booking_id", bookingID).Msg("Failed to publish booking completion")
	}
}
