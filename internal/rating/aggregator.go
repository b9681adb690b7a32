// Package rating merges participant ratings for a finished session into one
// operator report.
package rating

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"pairbot/internal/config"
	"pairbot/internal/domain"
	"pairbot/internal/events"
	"pairbot/internal/logging"
	"pairbot/internal/metrics"
	"pairbot/internal/models"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyRated   = errors.New("participant already rated this session")
	ErrNotParticipant = errors.New("not a participant of this session")
	ErrInvalidRating  = errors.New("rating must be between 1 and 5")
	ErrRatingClosed   = errors.New("rating window is closed")
)

// Flush triggers.
const (
	TriggerComplete = "complete"
	TriggerMerge    = "merge"
	TriggerOuter    = "outer"
	TriggerExpired  = "expired"
)

// Store is the part of the booking store the aggregator needs.
type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetPairingRecordByBooking(ctx context.Context, bookingID string) (*models.PairingRecord, error)
	RecordRating(ctx context.Context, sub *models.RatingSubmission) error
	ListRatings(ctx context.Context, pairingRecordID string) ([]models.RatingSubmission, error)
	MarkPairingFlushed(ctx context.Context, pairingRecordID string, rating *int, comment string) (bool, error)
	SetFlag(ctx context.Context, bookingID string, flag models.Flag, value bool) error
}

type stopper interface {
	Stop() bool
}

type armedTimer struct {
	stop stopper
	gen  uint64
}

type session struct {
	merge *armedTimer
	outer *armedTimer
}

type Aggregator struct {
	store    Store
	notifier domain.Notifier
	events   domain.EventPublisher
	logger   *zerolog.Logger

	mergeWindow  time.Duration
	outerTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	sent     *cache.Cache
	gen      uint64
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	afterFunc func(d time.Duration, f func()) stopper
}

func NewAggregator(store Store, notifier domain.Notifier, publisher domain.EventPublisher, cfg config.RatingConfig, logger *zerolog.Logger) *Aggregator {
	merge := cfg.MergeWindow
	if merge <= 0 {
		merge = models.DefaultRatingMergeWindow
	}
	outer := cfg.OuterTimeout
	if outer <= 0 {
		outer = models.DefaultRatingOuterTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Aggregator{
		store:        store,
		notifier:     notifier,
		events:       publisher,
		logger:       logging.Component(logger, "rating"),
		mergeWindow:  merge,
		outerTimeout: outer,
		sessions:     make(map[string]*session),
		// in-process guard; the durable flushed flag covers restarts
		sent:   cache.New(24*time.Hour, time.Hour),
		ctx:    ctx,
		cancel: cancel,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Open starts the outer rating window for a booking whose session just ended.
func (a *Aggregator) Open(bookingID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	s := a.sessionLocked(bookingID)
	if s.outer == nil {
		s.outer = a.armLocked(bookingID, a.outerTimeout, TriggerOuter)
	}
}

// Submit records one participant's rating. The report is flushed right away
// once every participant has rated, otherwise after the merge window.
func (a *Aggregator) Submit(ctx context.Context, bookingID, participantRef string, rating int, comment string) (*models.RatingSubmission, error) {
	if !models.ValidRating(rating) {
		return nil, ErrInvalidRating
	}

	b, err := a.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	// ratings open only once the session has been torn down
	if b.Status != models.StatusCompleted {
		return nil, ErrRatingClosed
	}
	rec, err := a.store.GetPairingRecordByBooking(ctx, bookingID)
	if errors.Is(err, domain.ErrPairingNotFound) {
		return nil, ErrRatingClosed
	}
	if err != nil {
		return nil, err
	}
	if rec.Flushed || b.RatingCompleted {
		return nil, ErrRatingClosed
	}
	role, ok := rec.RoleOf(participantRef)
	if !ok {
		return nil, ErrNotParticipant
	}

	sub := &models.RatingSubmission{
		PairingRecordID: rec.ID,
		ParticipantRef:  participantRef,
		Rating:          rating,
		Comment:         strings.TrimSpace(comment),
		Role:            role,
	}
	if err := a.store.RecordRating(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrDuplicateRating) {
			return nil, ErrAlreadyRated
		}
		return nil, fmt.Errorf("record rating: %w", err)
	}

	ratings, err := a.store.ListRatings(ctx, rec.ID)
	if err != nil {
		a.logger.Error().Err(err).Str("booking_id", bookingID).Msg("Failed to count ratings, waiting for merge window")
		a.armMerge(bookingID)
		return sub, nil
	}
	if len(ratings) >= rec.RequiredRatings() {
		if err := a.flush(ctx, bookingID, TriggerComplete); err != nil {
			a.logger.Error().Err(err).Str("booking_id", bookingID).Msg("Rating flush failed")
		}
		return sub, nil
	}
	a.armMerge(bookingID)
	return sub, nil
}

// FlushBooking forces the report out regardless of pending timers.
func (a *Aggregator) FlushBooking(ctx context.Context, bookingID string) error {
	return a.flush(ctx, bookingID, TriggerExpired)
}

// Stop cancels every pending timer.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	for id := range a.sessions {
		a.closeSessionLocked(id)
	}
	a.mu.Unlock()
	a.cancel()
}

func (a *Aggregator) armMerge(bookingID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	s := a.sessionLocked(bookingID)
	if s.merge == nil {
		s.merge = a.armLocked(bookingID, a.mergeWindow, TriggerMerge)
	}
}

func (a *Aggregator) sessionLocked(bookingID string) *session {
	s, ok := a.sessions[bookingID]
	if !ok {
		s = &session{}
		a.sessions[bookingID] = s
	}
	return s
}

func (a *Aggregator) armLocked(bookingID string, d time.Duration, trigger string) *armedTimer {
	a.gen++
	gen := a.gen
	return &armedTimer{
		gen:  gen,
		stop: a.afterFunc(d, func() { a.onTimer(bookingID, trigger, gen) }),
	}
}

// closeSessionLocked is the only place timers are cancelled.
func (a *Aggregator) closeSessionLocked(bookingID string) {
	s, ok := a.sessions[bookingID]
	if !ok {
		return
	}
	if s.merge != nil {
		s.merge.stop.Stop()
	}
	if s.outer != nil {
		s.outer.stop.Stop()
	}
	delete(a.sessions, bookingID)
}

func (a *Aggregator) onTimer(bookingID, trigger string, gen uint64) {
	a.mu.Lock()
	s, ok := a.sessions[bookingID]
	live := ok && !a.stopped &&
		((s.merge != nil && s.merge.gen == gen) || (s.outer != nil && s.outer.gen == gen))
	a.mu.Unlock()
	if !live {
		return
	}

	if err := a.flush(a.ctx, bookingID, trigger); err != nil {
		a.logger.Error().Err(err).Str("booking_id", bookingID).Str("trigger", trigger).Msg("Rating flush failed")
	}
}

func (a *Aggregator) flush(ctx context.Context, bookingID, trigger string) error {
	a.mu.Lock()
	a.closeSessionLocked(bookingID)
	a.mu.Unlock()

	b, err := a.store.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("load booking: %w", err)
	}
	rec, err := a.store.GetPairingRecordByBooking(ctx, bookingID)
	if errors.Is(err, domain.ErrPairingNotFound) {
		// nothing to report, let cleanup proceed
		return a.markCompleted(ctx, bookingID)
	}
	if err != nil {
		return fmt.Errorf("load pairing record: %w", err)
	}

	if err := a.sent.Add(rec.ID, struct{}{}, cache.DefaultExpiration); err != nil {
		// already reported, the flag may still be missing after a failed write
		return a.markCompleted(ctx, bookingID)
	}

	ratings, err := a.store.ListRatings(ctx, rec.ID)
	if err != nil {
		a.sent.Delete(rec.ID)
		return fmt.Errorf("list ratings: %w", err)
	}
	avg, comment := summarize(ratings)

	first, err := a.store.MarkPairingFlushed(ctx, rec.ID, avg, comment)
	if err != nil {
		a.sent.Delete(rec.ID)
		return fmt.Errorf("mark flushed: %w", err)
	}
	if first {
		if err := a.notifier.Notify(ctx, composeReport(b, rec, ratings)); err != nil {
			a.logger.Error().Err(err).Str("booking_id", bookingID).Msg("Failed to deliver rating report")
		}
		metrics.IncRatingFlush(trigger)
		a.logger.Info().Str("booking_id", bookingID).Str("trigger", trigger).Int("ratings", len(ratings)).Msg("Rating report flushed")
		if a.events != nil {
			_ = a.events.PublishJSON(events.EventRatingFlushed, events.RatingFlushedPayload{
				BookingID: bookingID,
				Trigger:   trigger,
				Ratings:   len(ratings),
			})
		}
	}
	return a.markCompleted(ctx, bookingID)
}

func (a *Aggregator) markCompleted(ctx context.Context, bookingID string) error {
	if err := a.store.SetFlag(ctx, bookingID, models.FlagRatingCompleted, true); err != nil {
		return fmt.Errorf("set rating completed: %w", err)
	}
	return nil
}

// summarize returns the rounded average and the joined comments.
func summarize(ratings []models.RatingSubmission) (*int, string) {
	if len(ratings) == 0 {
		return nil, ""
	}
	sum := 0
	var comments []string
	for _, r := range ratings {
		sum += r.Rating
		if r.Comment != "" {
			comments = append(comments, r.Comment)
		}
	}
	avg := int(math.Round(float64(sum) / float64(len(ratings))))
	return &avg, strings.Join(comments, " | ")
}

func composeReport(b *models.Booking, rec *models.PairingRecord, ratings []models.RatingSubmission) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 Session report %s\n", b.ID)
	fmt.Fprintf(&sb, "Customer: %s (%s)\n", b.CustomerName, b.CustomerRef)
	fmt.Fprintf(&sb, "Partner: %s (%s)\n", b.PartnerName, b.PartnerRef)
	fmt.Fprintf(&sb, "Duration: %d min, extended %d time(s)\n", rec.DurationSeconds/60, rec.ExtendedTimes)

	if len(ratings) == 0 {
		sb.WriteString("No ratings received")
		return sb.String()
	}
	for _, r := range ratings {
		name := b.CustomerName
		if r.Role == models.RoleProvider {
			name = b.PartnerName
		}
		fmt.Fprintf(&sb, "⭐ %s (%s): %d", name, r.Role, r.Rating)
		if r.Comment != "" {
			fmt.Fprintf(&sb, " | %s", r.Comment)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
