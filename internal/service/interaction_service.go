package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pairbot/internal/domain"
	"pairbot/internal/logging"
	"pairbot/internal/models"
	"pairbot/internal/rating"
	"pairbot/internal/reconcile"

	"github.com/rs/zerolog"
)

const (
	replyGeneric         = "⚠️ Something went wrong, please try again."
	replyInvalidButton   = "⚠️ This button is no longer valid."
	replyBookingNotFound = "⚠️ Booking not found."
	replyNotParticipant  = "⛔ Only session participants can do this."
	replyNotExtendable   = "⌛ This session can no longer be extended."
	replyInvalidRating   = "⚠️ Rating must be between 1 and 5."
	replyAlreadyRated    = "ℹ️ You have already rated this session."
	replyRatingClosed    = "⌛ The rating window for this session is closed."
	replyRated           = "🙏 Thanks! Your rating has been recorded."
)

type ExtensionStore interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	AdvanceScheduleEnd(ctx context.Context, bookingID string, increment time.Duration) (time.Time, error)
}

type ChannelRenamer interface {
	RenameChannel(ctx context.Context, ref, name string) error
}

type RatingSubmitter interface {
	Submit(ctx context.Context, bookingID, participantRef string, rating int, comment string) (*models.RatingSubmission, error)
}

type Locker interface {
	Lock(key string) func()
}

// InteractionService turns participant clicks and modal submissions into
// booking changes and short replies.
type InteractionService struct {
	store     ExtensionStore
	channels  ChannelRenamer
	ratings   RatingSubmitter
	locks     Locker
	increment time.Duration
	loc       *time.Location
	logger    *zerolog.Logger
}

func NewInteractionService(store ExtensionStore, channels ChannelRenamer, ratings RatingSubmitter, locks Locker, increment time.Duration, loc *time.Location, logger *zerolog.Logger) *InteractionService {
	if increment <= 0 {
		increment = models.DefaultExtensionIncrement
	}
	if loc == nil {
		loc = time.UTC
	}
	if locks == nil {
		locks = reconcile.NewKeyedMutex()
	}
	return &InteractionService{
		store:     store,
		channels:  channels,
		ratings:   ratings,
		locks:     locks,
		increment: increment,
		loc:       loc,
		logger:    logging.Component(logger, "interactions"),
	}
}

func (s *InteractionService) Handle(ctx context.Context, in models.Interaction) models.Reply {
	action, bookingID, arg, err := models.ParsePromptID(in.CustomID)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", in.RequestID).Msg("Malformed interaction")
		return models.Reply{Content: replyInvalidButton}
	}
	logger := s.logger.With().
		Str("request_id", in.RequestID).
		Str("booking_id", bookingID).
		Str("action", action).
		Str("participant", in.ParticipantRef).
		Logger()

	switch action {
	case models.ActionExtend:
		return s.extend(ctx, &logger, bookingID, in.ParticipantRef)
	case models.ActionRate:
		n, err := strconv.Atoi(arg)
		if err != nil {
			return models.Reply{Content: replyInvalidRating}
		}
		return s.rate(ctx, &logger, bookingID, in.ParticipantRef, n, "")
	case models.ActionRateModal:
		if in.Kind != models.InteractionModalSubmit {
			return models.Reply{Modal: ratingModal(bookingID)}
		}
		n, err := strconv.Atoi(strings.TrimSpace(in.Fields[models.ModalFieldRating]))
		if err != nil {
			return models.Reply{Content: replyInvalidRating}
		}
		return s.rate(ctx, &logger, bookingID, in.ParticipantRef, n, in.Fields[models.ModalFieldNote])
	}

	logger.Warn().Msg("Unknown interaction action")
	return models.Reply{Content: replyInvalidButton}
}

// extend may be accepted any number of times while the session is running.
func (s *InteractionService) extend(ctx context.Context, logger *zerolog.Logger, bookingID, participantRef string) models.Reply {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	b, err := s.store.GetBooking(ctx, bookingID)
	if errors.Is(err, domain.ErrBookingNotFound) {
		return models.Reply{Content: replyBookingNotFound}
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load booking for extension")
		return models.Reply{Content: replyGeneric}
	}
	if !b.IsParticipant(participantRef) {
		return models.Reply{Content: replyNotParticipant}
	}
	if b.Status != models.StatusConfirmed || !b.VoiceChannelCreated {
		return models.Reply{Content: replyNotExtendable}
	}

	newEnd, err := s.store.AdvanceScheduleEnd(ctx, bookingID, s.increment)
	if errors.Is(err, domain.ErrBookingInactive) {
		return models.Reply{Content: replyNotExtendable}
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to extend booking")
		return models.Reply{Content: replyGeneric}
	}
	b.Schedule.EndTime = newEnd
	logger.Info().Time("new_end", newEnd).Msg("Booking extended")

	if b.VoiceChannelRef != "" {
		if err := s.channels.RenameChannel(ctx, b.VoiceChannelRef, reconcile.VoiceChannelName(b, s.loc)); err != nil {
			logger.Warn().Err(err).Msg("Failed to rename voice channel")
		}
	}
	if b.TextChannelRef != "" {
		if err := s.channels.RenameChannel(ctx, b.TextChannelRef, reconcile.TextChannelName(b, s.loc)); err != nil {
			logger.Warn().Err(err).Msg("Failed to rename text channel")
		}
	}

	return models.Reply{Content: fmt.Sprintf("✅ Extended by %d minutes. New end time: %s.",
		int(s.increment.Minutes()), newEnd.In(s.loc).Format("15:04"))}
}

func (s *InteractionService) rate(ctx context.Context, logger *zerolog.Logger, bookingID, participantRef string, n int, comment string) models.Reply {
	_, err := s.ratings.Submit(ctx, bookingID, participantRef, n, comment)
	switch {
	case err == nil:
		return models.Reply{Content: replyRated}
	case errors.Is(err, rating.ErrInvalidRating):
		return models.Reply{Content: replyInvalidRating}
	case errors.Is(err, rating.ErrNotParticipant):
		return models.Reply{Content: replyNotParticipant}
	case errors.Is(err, rating.ErrAlreadyRated):
		return models.Reply{Content: replyAlreadyRated}
	case errors.Is(err, rating.ErrRatingClosed):
		return models.Reply{Content: replyRatingClosed}
	case errors.Is(err, domain.ErrBookingNotFound):
		return models.Reply{Content: replyBookingNotFound}
	}
	logger.Error().Err(err).Msg("Failed to submit rating")
	return models.Reply{Content: replyGeneric}
}

func ratingModal(bookingID string) *models.Modal {
	return &models.Modal{
		ID:    models.PromptID(models.ActionRateModal, bookingID),
		Title: "Rate your session",
		Fields: []models.ModalField{
			{ID: models.ModalFieldRating, Label: "Rating (1-5)", Required: true, MaxLength: 1},
			{ID: models.ModalFieldNote, Label: "Comment", Paragraph: true, MaxLength: 500},
		},
	}
}
