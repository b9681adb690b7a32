package domain

import (
	"context"
	"time"

	"pairbot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ChannelPlatform is the chat platform capability used to manage meeting surfaces.
type ChannelPlatform interface {
	// Ready is closed once the platform client can serve requests.
	Ready() <-chan struct{}
	FindChannel(ctx context.Context, name string) (string, bool, error)
	CreateTextChannel(ctx context.Context, name string, participants []string) (string, error)
	CreateVoiceChannel(ctx context.Context, name string, participants []string) (string, error)
	RenameChannel(ctx context.Context, ref, name string) error
	// DeleteChannel returns ErrChannelNotFound when the channel is already gone.
	DeleteChannel(ctx context.Context, ref string) error
	MoveParticipant(ctx context.Context, participantRef, voiceRef string) error
	PostMessage(ctx context.Context, ref, content string) error
	PostInteractivePrompt(ctx context.Context, ref string, prompt models.Prompt) error
}

// BookingStore is the persistence port for bookings, schedules and pairing records.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)

	FindEarlySurfaceCandidates(ctx context.Context, now time.Time, grace time.Duration) ([]models.EarlySurfaceCandidate, error)
	FindVoiceCandidates(ctx context.Context, now time.Time, lead time.Duration) ([]models.VoiceCandidate, error)
	FindInstantVoiceCandidates(ctx context.Context, now time.Time) ([]models.InstantVoiceCandidate, error)
	FindExtensionCandidates(ctx context.Context, now time.Time, window time.Duration) ([]models.ExtensionCandidate, error)
	FindTeardownCandidates(ctx context.Context, now time.Time) ([]models.TeardownCandidate, error)
	FindCleanupCandidates(ctx context.Context) ([]models.CleanupCandidate, error)
	FindMissedRatingCandidates(ctx context.Context, cutoff time.Time) ([]models.MissedRatingCandidate, error)
	FindExpiredRatingWindows(ctx context.Context, cutoff time.Time) ([]models.RatingExpiryCandidate, error)

	// PersistHandle stores ref in field; an empty ref clears it.
	PersistHandle(ctx context.Context, bookingID string, field models.HandleField, ref string) error
	ClearHandles(ctx context.Context, bookingID string) error
	SetFlag(ctx context.Context, bookingID string, flag models.Flag, value bool) error
	MarkEarlyProvisioned(ctx context.Context, bookingID, earlyRef string) error
	MarkVoiceProvisioned(ctx context.Context, bookingID, voiceRef, textRef string) error
	// CompleteBooking moves a CONFIRMED booking to COMPLETED and reports whether
	// this call performed the transition.
	CompleteBooking(ctx context.Context, bookingID string) (bool, error)
	AdvanceScheduleEnd(ctx context.Context, bookingID string, increment time.Duration) (time.Time, error)

	UpsertPairingRecord(ctx context.Context, rec *models.PairingRecord) error
	GetPairingRecordByBooking(ctx context.Context, bookingID string) (*models.PairingRecord, error)
	// RecordRating returns ErrDuplicateRating for a second submission by the same participant.
	RecordRating(ctx context.Context, sub *models.RatingSubmission) error
	ListRatings(ctx context.Context, pairingRecordID string) ([]models.RatingSubmission, error)
	// MarkPairingFlushed reports true only for the call that flipped the record.
	MarkPairingFlushed(ctx context.Context, pairingRecordID string, rating *int, comment string) (bool, error)

	Ping(ctx context.Context) error
}

// DedupTracker remembers recently applied bookingID x rule transitions.
type DedupTracker interface {
	Seen(ctx context.Context, bookingID, rule string) (bool, error)
	Mark(ctx context.Context, bookingID, rule string) error
	Forget(ctx context.Context, bookingID, rule string) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type EarningsDispatcher interface {
	Dispatch(bookingID string)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}
