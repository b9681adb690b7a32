package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pairbot/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type earningsPayload struct {
	BookingID string `json:"bookingId"`
}

// EarningsWorker notifies the earnings service about completed bookings.
// Delivery is best effort: failures are logged and never retried.
type EarningsWorker struct {
	url    string
	client *http.Client
	queue  chan string
	logger *zerolog.Logger
}

func NewEarningsWorker(cfg config.EarningsConfig, logger *zerolog.Logger) *EarningsWorker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &EarningsWorker{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan string, size),
		logger: logger,
	}
}

// Dispatch enqueues the booking and returns immediately.
func (w *EarningsWorker) Dispatch(bookingID string) {
	if w.url == "" {
		w.logger.Debug().Str("booking_id", bookingID).Msg("Earnings URL not configured, dispatch skipped")
		return
	}
	select {
	case w.queue <- bookingID:
	default:
		w.logger.Warn().Str("booking_id", bookingID).Msg("Earnings queue full, dispatch dropped")
	}
}

// Start drains the queue until ctx is done.
func (w *EarningsWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("Earnings worker started")
	defer w.logger.Info().Msg("Earnings worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.queue:
			if err := w.send(ctx, id); err != nil {
				w.logger.Error().Err(err).Str("booking_id", id).Msg("Earnings dispatch failed")
				continue
			}
			w.logger.Info().Str("booking_id", id).Msg("Earnings dispatched")
		}
	}
}

func (w *EarningsWorker) send(ctx context.Context, bookingID string) error {
	body, err := json.Marshal(earningsPayload{BookingID: bookingID})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("earnings service returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
