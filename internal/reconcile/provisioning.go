package reconcile

import (
	"context"
	"fmt"
	"time"

	"pairbot/internal/models"
)

// earlySurfaceRule opens a pre-session text channel as soon as a booking is confirmed.
type earlySurfaceRule struct {
	e *Engine
}

func (r *earlySurfaceRule) Name() string { return RuleEarlySurface }

func (r *earlySurfaceRule) Apply(ctx context.Context, now time.Time) Report {
	return scan(ctx, r.e, RuleEarlySurface, now,
		func(ctx context.Context) ([]models.EarlySurfaceCandidate, error) {
			return r.e.store.FindEarlySurfaceCandidates(ctx, now, r.e.cfg.EarlyGrace)
		},
		func(ctx context.Context, c models.EarlySurfaceCandidate) (Outcome, error) {
			return r.provision(ctx, c.ID())
		})
}

func (r *earlySurfaceRule) provision(ctx context.Context, bookingID string) (Outcome, error) {
	e := r.e
	if e.recentlyApplied(ctx, bookingID, RuleEarlySurface) {
		return OutcomeSkipped, nil
	}
	b, outcome, err := e.loadBooking(ctx, bookingID)
	if b == nil {
		return outcome, err
	}
	if b.Status != models.StatusConfirmed || b.EarlyChannelCreated || b.EarlyTextChannelRef != "" {
		return OutcomeSkipped, nil
	}

	ref, err := e.findOrCreateText(ctx, earlyChannelName(b), b.Participants())
	if err != nil {
		return OutcomeFailed, err
	}
	if err := e.store.MarkEarlyProvisioned(ctx, b.ID, ref); err != nil {
		return OutcomeFailed, fmt.Errorf("persist early channel: %w", err)
	}
	e.markApplied(ctx, b.ID, RuleEarlySurface)

	if err := e.platform.PostMessage(ctx, ref, welcomeMessage(b)); err != nil {
		e.logger.Warn().Err(err).Str("booking_id", b.ID).Msg("Failed to post welcome message")
	}
	return OutcomeApplied, nil
}

// voiceProvisioningRule replaces the early channel with the session voice and
// text channels shortly before the start time.
type voiceProvisioningRule struct {
	e *Engine
}

func (r *voiceProvisioningRule) Name() string { return RuleVoiceProvisioning }

func (r *voiceProvisioningRule) Apply(ctx context.Context, now time.Time) Report {
	return scan(ctx, r.e, RuleVoiceProvisioning, now,
		func(ctx context.Context) ([]models.VoiceCandidate, error) {
			return r.e.store.FindVoiceCandidates(ctx, now, r.e.cfg.VoiceLead)
		},
		r.act)
}

func (r *voiceProvisioningRule) act(ctx context.Context, c models.VoiceCandidate) (Outcome, error) {
	e := r.e
	if c.VoiceChannelCreated {
		return e.resumeEarlyRetirement(ctx, c.ID())
	}
	if c.EarlyTextChannelRef == "" {
		return OutcomeInvariant, fmt.Errorf("%w: booking reached voice window without an early text channel", ErrInvariantViolation)
	}
	if e.recentlyApplied(ctx, c.ID(), RuleVoiceProvisioning) {
		return OutcomeSkipped, nil
	}

	b, outcome, err := e.loadBooking(ctx, c.ID())
	if b == nil {
		return outcome, err
	}
	if b.Status != models.StatusConfirmed || b.VoiceChannelCreated || b.EarlyTextChannelRef == "" {
		return OutcomeSkipped, nil
	}
	return e.provisionVoice(ctx, b, RuleVoiceProvisioning)
}

// provisionVoice creates the session channels and retires the early channel.
// Handles are persisted right after creation so a crash leaves a resumable state.
func (e *Engine) provisionVoice(ctx context.Context, b *models.Booking, rule string) (Outcome, error) {
	participants := b.Participants()

	voiceRef, err := e.findOrCreateVoice(ctx, VoiceChannelName(b, e.loc), participants)
	if err != nil {
		return OutcomeFailed, err
	}
	textRef, err := e.findOrCreateText(ctx, TextChannelName(b, e.loc), participants)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := e.store.MarkVoiceProvisioned(ctx, b.ID, voiceRef, textRef); err != nil {
		return OutcomeFailed, fmt.Errorf("persist voice channels: %w", err)
	}

	if err := e.finishEarlyRetirement(ctx, b); err != nil {
		return OutcomeFailed, err
	}
	e.markApplied(ctx, b.ID, rule)

	if err := e.platform.PostMessage(ctx, textRef, startMessage(b, voiceRef)); err != nil {
		e.logger.Warn().Err(err).Str("booking_id", b.ID).Msg("Failed to post start message")
	}
	for _, p := range participants {
		if err := e.platform.MoveParticipant(ctx, p, voiceRef); err != nil {
			e.logger.Debug().Err(err).Str("booking_id", b.ID).Str("participant", p).Msg("Participant not moved to voice")
		}
	}
	return OutcomeApplied, nil
}

// resumeEarlyRetirement completes a provisioning that stopped after the voice
// handles were stored.
func (e *Engine) resumeEarlyRetirement(ctx context.Context, bookingID string) (Outcome, error) {
	b, outcome, err := e.loadBooking(ctx, bookingID)
	if b == nil {
		return outcome, err
	}
	if !b.VoiceChannelCreated || b.EarlyTextChannelRef == "" {
		return OutcomeSkipped, nil
	}
	if err := e.finishEarlyRetirement(ctx, b); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (e *Engine) finishEarlyRetirement(ctx context.Context, b *models.Booking) error {
	rec := &models.PairingRecord{
		BookingID:       b.ID,
		RequesterRef:    b.CustomerRef,
		ProviderRef:     b.PartnerRef,
		DurationSeconds: int64(b.Duration().Seconds()),
	}
	if err := e.store.UpsertPairingRecord(ctx, rec); err != nil {
		return fmt.Errorf("upsert pairing record: %w", err)
	}

	if b.EarlyTextChannelRef == "" {
		return nil
	}
	if err := e.deleteChannel(ctx, b.EarlyTextChannelRef); err != nil {
		return err
	}
	if err := e.store.PersistHandle(ctx, b.ID, models.HandleEarlyText, ""); err != nil {
		return fmt.Errorf("clear early channel: %w", err)
	}
	return nil
}
