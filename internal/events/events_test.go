package events

import (
	"testing"
	"time"
)

func TestEventBusBookingCompleted(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventBookingCompleted, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	completedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	err := bus.PublishJSON(EventBookingCompleted, BookingCompletedPayload{
		BookingID:        "b-1",
		Reason:           ReasonTeardown,
		OpenRatingWindow: true,
		CompletedAt:      completedAt,
	})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Fatalf("expected 1 call, got %d", callCount)
	}
	if received.ID == "" {
		t.Errorf("expected event id to be set")
	}

	var decoded BookingCompletedPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.BookingID != "b-1" || decoded.Reason != ReasonTeardown || !decoded.OpenRatingWindow {
		t.Errorf("unexpected payload: %+v", decoded)
	}
	if !decoded.CompletedAt.Equal(completedAt) {
		t.Errorf("expected completed_at %v, got %v", completedAt, decoded.CompletedAt)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe(EventRatingFlushed, func(_ *Event) error { count1++; return nil })
	bus.Subscribe(EventRatingFlushed, func(_ *Event) error { count2++; return nil })
	bus.Subscribe(EventBookingCompleted, func(_ *Event) error { t.Error("wrong subscriber called"); return nil })

	bus.Publish(&Event{Type: EventRatingFlushed})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON(EventBookingCompleted, nil); err != nil {
		t.Errorf("nil bus should be a no-op, got %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	event, err := NewJSONEvent(EventRatingFlushed, RatingFlushedPayload{BookingID: "b-9", Trigger: "merge", Ratings: 2})
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}
	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded RatingFlushedPayload
	if err := event.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.Ratings != 2 || decoded.Trigger != "merge" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}
