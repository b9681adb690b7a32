package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pairbot/internal/domain"
	"pairbot/internal/models"
	"pairbot/internal/rating"
	"pairbot/internal/reconcile"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}

func (m *mockStore) AdvanceScheduleEnd(ctx context.Context, id string, inc time.Duration) (time.Time, error) {
	args := m.Called(ctx, id, inc)
	return args.Get(0).(time.Time), args.Error(1)
}

type mockRenamer struct {
	mock.Mock
}

func (m *mockRenamer) RenameChannel(ctx context.Context, ref, name string) error {
	return m.Called(ctx, ref, name).Error(0)
}

type mockRatings struct {
	mock.Mock
}

func (m *mockRatings) Submit(ctx context.Context, bookingID, participantRef string, n int, comment string) (*models.RatingSubmission, error) {
	args := m.Called(ctx, bookingID, participantRef, n, comment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RatingSubmission), args.Error(1)
}

var sessionStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func activeBooking() *models.Booking {
	return &models.Booking{
		ID:                  "b-1",
		Status:              models.StatusConfirmed,
		CustomerRef:         "111",
		PartnerRef:          "222",
		VoiceChannelCreated: true,
		VoiceChannelRef:     "v-1",
		TextChannelRef:      "t-1",
		Schedule: models.Schedule{
			StartTime: sessionStart,
			EndTime:   sessionStart.Add(30 * time.Minute),
		},
	}
}

func newTestService() (*InteractionService, *mockStore, *mockRenamer, *mockRatings) {
	store := new(mockStore)
	renamer := new(mockRenamer)
	ratings := new(mockRatings)
	logger := zerolog.New(io.Discard)
	svc := NewInteractionService(store, renamer, ratings, reconcile.NewKeyedMutex(), 5*time.Minute, time.UTC, &logger)
	return svc, store, renamer, ratings
}

func click(customID, participant string) models.Interaction {
	return models.Interaction{Kind: models.InteractionComponent, CustomID: customID, ParticipantRef: participant, RequestID: "req-1"}
}

func TestExtend(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		svc, store, renamer, _ := newTestService()
		b := activeBooking()
		newEnd := b.Schedule.EndTime.Add(5 * time.Minute)
		store.On("GetBooking", ctx, "b-1").Return(b, nil).Once()
		store.On("AdvanceScheduleEnd", ctx, "b-1", 5*time.Minute).Return(newEnd, nil).Once()

		extended := *b
		extended.Schedule.EndTime = newEnd
		renamer.On("RenameChannel", ctx, "v-1", reconcile.VoiceChannelName(&extended, time.UTC)).Return(nil).Once()
		renamer.On("RenameChannel", ctx, "t-1", reconcile.TextChannelName(&extended, time.UTC)).Return(errors.New("rate limited")).Once()

		reply := svc.Handle(ctx, click("extend:b-1", "222"))
		assert.Equal(t, "✅ Extended by 5 minutes. New end time: 12:35.", reply.Content)
		store.AssertExpectations(t)
		renamer.AssertExpectations(t)
	})

	t.Run("Repeatable", func(t *testing.T) {
		svc, store, renamer, _ := newTestService()
		b := activeBooking()
		b.ExtensionPromptShown = true
		store.On("GetBooking", ctx, "b-1").Return(b, nil).Twice()
		store.On("AdvanceScheduleEnd", ctx, "b-1", 5*time.Minute).Return(b.Schedule.EndTime.Add(5*time.Minute), nil).Once()
		store.On("AdvanceScheduleEnd", ctx, "b-1", 5*time.Minute).Return(b.Schedule.EndTime.Add(10*time.Minute), nil).Once()
		renamer.On("RenameChannel", ctx, mock.Anything, mock.Anything).Return(nil)

		assert.Contains(t, svc.Handle(ctx, click("extend:b-1", "111")).Content, "12:35")
		assert.Contains(t, svc.Handle(ctx, click("extend:b-1", "111")).Content, "12:40")
		store.AssertExpectations(t)
	})

	t.Run("NotParticipant", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		store.On("GetBooking", ctx, "b-1").Return(activeBooking(), nil).Once()

		reply := svc.Handle(ctx, click("extend:b-1", "999"))
		assert.Equal(t, replyNotParticipant, reply.Content)
		store.AssertNotCalled(t, "AdvanceScheduleEnd", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Completed", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		b := activeBooking()
		b.Status = models.StatusCompleted
		store.On("GetBooking", ctx, "b-1").Return(b, nil).Once()

		assert.Equal(t, replyNotExtendable, svc.Handle(ctx, click("extend:b-1", "111")).Content)
	})

	t.Run("RaceWithTeardown", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		store.On("GetBooking", ctx, "b-1").Return(activeBooking(), nil).Once()
		store.On("AdvanceScheduleEnd", ctx, "b-1", 5*time.Minute).Return(time.Time{}, domain.ErrBookingInactive).Once()

		assert.Equal(t, replyNotExtendable, svc.Handle(ctx, click("extend:b-1", "111")).Content)
	})

	t.Run("NotFound", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		store.On("GetBooking", ctx, "missing").Return(nil, domain.ErrBookingNotFound).Once()

		assert.Equal(t, replyBookingNotFound, svc.Handle(ctx, click("extend:missing", "111")).Content)
	})

	t.Run("StoreErrorIsNotLeaked", func(t *testing.T) {
		svc, store, _, _ := newTestService()
		store.On("GetBooking", ctx, "b-1").Return(nil, errors.New("database is locked")).Once()

		assert.Equal(t, replyGeneric, svc.Handle(ctx, click("extend:b-1", "111")).Content)
	})
}

func TestRate(t *testing.T) {
	ctx := context.Background()

	t.Run("Button", func(t *testing.T) {
		svc, _, _, ratings := newTestService()
		ratings.On("Submit", ctx, "b-1", "111", 4, "").Return(&models.RatingSubmission{}, nil).Once()

		assert.Equal(t, replyRated, svc.Handle(ctx, click("rate:b-1:4", "111")).Content)
		ratings.AssertExpectations(t)
	})

	t.Run("ModalButtonOpensModal", func(t *testing.T) {
		svc, _, _, ratings := newTestService()

		reply := svc.Handle(ctx, click("ratemodal:b-1", "111"))
		if assert.NotNil(t, reply.Modal) {
			assert.Equal(t, "ratemodal:b-1", reply.Modal.ID)
			assert.Len(t, reply.Modal.Fields, 2)
		}
		ratings.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ModalSubmit", func(t *testing.T) {
		svc, _, _, ratings := newTestService()
		ratings.On("Submit", ctx, "b-1", "222", 5, "very friendly").Return(&models.RatingSubmission{}, nil).Once()

		reply := svc.Handle(ctx, models.Interaction{
			Kind:           models.InteractionModalSubmit,
			CustomID:       "ratemodal:b-1",
			ParticipantRef: "222",
			Fields:         map[string]string{models.ModalFieldRating: " 5 ", models.ModalFieldNote: "very friendly"},
		})
		assert.Equal(t, replyRated, reply.Content)
		ratings.AssertExpectations(t)
	})

	t.Run("ModalSubmitNotANumber", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		reply := svc.Handle(ctx, models.Interaction{
			Kind:     models.InteractionModalSubmit,
			CustomID: "ratemodal:b-1",
			Fields:   map[string]string{models.ModalFieldRating: "five"},
		})
		assert.Equal(t, replyInvalidRating, reply.Content)
	})

	errorReplies := []struct {
		err  error
		want string
	}{
		{rating.ErrInvalidRating, replyInvalidRating},
		{rating.ErrNotParticipant, replyNotParticipant},
		{rating.ErrAlreadyRated, replyAlreadyRated},
		{rating.ErrRatingClosed, replyRatingClosed},
		{domain.ErrBookingNotFound, replyBookingNotFound},
		{errors.New("disk full"), replyGeneric},
	}
	for _, tt := range errorReplies {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc, _, _, ratings := newTestService()
			ratings.On("Submit", ctx, "b-1", "111", 3, "").Return(nil, tt.err).Once()
			assert.Equal(t, tt.want, svc.Handle(ctx, click("rate:b-1:3", "111")).Content)
		})
	}
}

func TestMalformedInteraction(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	assert.Equal(t, replyInvalidButton, svc.Handle(ctx, click("garbage", "111")).Content)
	assert.Equal(t, replyInvalidButton, svc.Handle(ctx, click("dance:b-1", "111")).Content)
	assert.Equal(t, replyInvalidRating, svc.Handle(ctx, click("rate:b-1:x", "111")).Content)
}
