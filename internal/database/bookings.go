package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pairbot/internal/domain"
	"pairbot/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var bookingColumns = []string{
	"b.id", "b.status", "b.confirmed_at",
	"b.customer_id", "b.customer_name", "b.customer_ref",
	"b.partner_id", "b.partner_name", "b.partner_ref",
	"b.early_channel_created", "b.voice_channel_created", "b.extension_prompt_shown",
	"b.rating_completed", "b.text_channel_cleaned",
	"b.early_text_channel_ref", "b.text_channel_ref", "b.voice_channel_ref",
	"b.is_instant_mode", "b.resource_open_delay_minutes",
	"b.created_at", "b.updated_at",
	"s.id", "s.start_time", "s.end_time",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                          models.Booking
		status                     string
		confirmedAt                int64
		createdAt, updatedAt       int64
		startTime, endTime         int64
		earlyRef, textRef, voiceRef sql.NullString
	)
	err := row.Scan(
		&b.ID, &status, &confirmedAt,
		&b.CustomerID, &b.CustomerName, &b.CustomerRef,
		&b.PartnerID, &b.PartnerName, &b.PartnerRef,
		&b.EarlyChannelCreated, &b.VoiceChannelCreated, &b.ExtensionPromptShown,
		&b.RatingCompleted, &b.TextChannelCleaned,
		&earlyRef, &textRef, &voiceRef,
		&b.IsInstantMode, &b.ResourceOpenDelayMinutes,
		&createdAt, &updatedAt,
		&b.Schedule.ID, &startTime, &endTime,
	)
	if err != nil {
		return nil, err
	}

	b.Status = models.BookingStatus(status)
	b.ConfirmedAt = fromUnix(confirmedAt)
	b.CreatedAt = fromUnix(createdAt)
	b.UpdatedAt = fromUnix(updatedAt)
	b.Schedule.StartTime = fromUnix(startTime)
	b.Schedule.EndTime = fromUnix(endTime)
	b.EarlyTextChannelRef = earlyRef.String
	b.TextChannelRef = textRef.String
	b.VoiceChannelRef = voiceRef.String
	return &b, nil
}

func (db *DB) selectBookings(columns ...string) squirrel.SelectBuilder {
	return db.sb.Select(columns...).
		From("bookings b").
		Join("schedules s ON s.id = b.schedule_id")
}

// CreateBooking inserts a booking together with its schedule.
func (db *DB) CreateBooking(ctx context.Context, booking *models.Booking) error {
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	if booking.Schedule.ID == "" {
		booking.Schedule.ID = uuid.NewString()
	}
	if booking.Status == "" {
		booking.Status = models.StatusPending
	}
	now := db.now().UTC()
	booking.CreatedAt = now
	booking.UpdatedAt = now

	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := exec(ctx, tx, db.sb.Insert("schedules").
			Columns("id", "start_time", "end_time").
			Values(booking.Schedule.ID, toUnix(booking.Schedule.StartTime), toUnix(booking.Schedule.EndTime)))
		if err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}

		_, err = exec(ctx, tx, db.sb.Insert("bookings").
			Columns(
				"id", "status", "schedule_id", "confirmed_at",
				"customer_id", "customer_name", "customer_ref",
				"partner_id", "partner_name", "partner_ref",
				"early_channel_created", "voice_channel_created", "extension_prompt_shown",
				"rating_completed", "text_channel_cleaned",
				"early_text_channel_ref", "text_channel_ref", "voice_channel_ref",
				"is_instant_mode", "resource_open_delay_minutes",
				"created_at", "updated_at",
			).
			Values(
				booking.ID, string(booking.Status), booking.Schedule.ID, toUnix(booking.ConfirmedAt),
				booking.CustomerID, booking.CustomerName, booking.CustomerRef,
				booking.PartnerID, booking.PartnerName, booking.PartnerRef,
				booking.EarlyChannelCreated, booking.VoiceChannelCreated, booking.ExtensionPromptShown,
				booking.RatingCompleted, booking.TextChannelCleaned,
				nullable(booking.EarlyTextChannelRef), nullable(booking.TextChannelRef), nullable(booking.VoiceChannelRef),
				booking.IsInstantMode, booking.ResourceOpenDelayMinutes,
				toUnix(now), toUnix(now),
			))
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		return nil
	})
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	query, args, err := db.selectBookings(bookingColumns...).
		Where(squirrel.Eq{"b.id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildQuery, err)
	}

	booking, err := scanBooking(db.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan booking %s: %w", id, err)
	}
	return booking, nil
}

// queryCandidates runs a candidate query and hands every row to scan.
func (db *DB) queryCandidates(ctx context.Context, q squirrel.SelectBuilder, scan func(rows *sql.Rows) error) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuildQuery, err)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func confirmed() squirrel.Eq {
	return squirrel.Eq{"b.status": string(models.StatusConfirmed)}
}

func (db *DB) FindEarlySurfaceCandidates(ctx context.Context, now time.Time, grace time.Duration) ([]models.EarlySurfaceCandidate, error) {
	q := db.selectBookings("b.id", "b.confirmed_at").
		Where(confirmed()).
		Where(squirrel.Eq{
			"b.early_channel_created":  false,
			"b.voice_channel_created":  false,
			"b.early_text_channel_ref": nil,
		}).
		Where(squirrel.LtOrEq{"b.confirmed_at": now.Add(-grace).Unix()}).
		Where(squirrel.Gt{"s.end_time": now.Unix()}).
		OrderBy("b.confirmed_at")

	var out []models.EarlySurfaceCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var (
			c           models.EarlySurfaceCandidate
			confirmedAt int64
		)
		if err := rows.Scan(&c.BookingID, &confirmedAt); err != nil {
			return err
		}
		c.ConfirmedAt = fromUnix(confirmedAt)
		out = append(out, c)
		return nil
	})
	return out, err
}

// FindVoiceCandidates returns bookings entering the lead window plus bookings
// whose voice surface exists while the early channel has not been retired yet.
func (db *DB) FindVoiceCandidates(ctx context.Context, now time.Time, lead time.Duration) ([]models.VoiceCandidate, error) {
	q := db.selectBookings("b.id", "s.start_time", "b.early_text_channel_ref", "b.voice_channel_created").
		Where(confirmed()).
		Where(squirrel.Or{
			squirrel.And{
				squirrel.Eq{"b.voice_channel_created": false, "b.is_instant_mode": false},
				squirrel.Gt{"s.start_time": now.Unix()},
				squirrel.LtOrEq{"s.start_time": now.Add(lead).Unix()},
			},
			squirrel.And{
				squirrel.Eq{"b.voice_channel_created": true},
				squirrel.NotEq{"b.early_text_channel_ref": nil},
			},
		}).
		OrderBy("s.start_time")

	var out []models.VoiceCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var (
			c         models.VoiceCandidate
			startTime int64
			earlyRef  sql.NullString
		)
		if err := rows.Scan(&c.BookingID, &startTime, &earlyRef, &c.VoiceChannelCreated); err != nil {
			return err
		}
		c.StartTime = fromUnix(startTime)
		c.EarlyTextChannelRef = earlyRef.String
		out = append(out, c)
		return nil
	})
	return out, err
}

func (db *DB) FindInstantVoiceCandidates(ctx context.Context, now time.Time) ([]models.InstantVoiceCandidate, error) {
	q := db.selectBookings("b.id", "b.confirmed_at", "b.resource_open_delay_minutes").
		Where(confirmed()).
		Where(squirrel.Eq{"b.is_instant_mode": true, "b.voice_channel_created": false}).
		Where(squirrel.NotEq{"b.early_text_channel_ref": nil}).
		Where(squirrel.Gt{"s.end_time": now.Unix()}).
		OrderBy("b.confirmed_at")

	var out []models.InstantVoiceCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var (
			c           models.InstantVoiceCandidate
			confirmedAt int64
		)
		if err := rows.Scan(&c.BookingID, &confirmedAt, &c.ResourceOpenDelayMinutes); err != nil {
			return err
		}
		c.ConfirmedAt = fromUnix(confirmedAt)
		out = append(out, c)
		return nil
	})
	return out, err
}

func (db *DB) FindExtensionCandidates(ctx context.Context, now time.Time, window time.Duration) ([]models.ExtensionCandidate, error) {
	q := db.selectBookings("b.id", "b.text_channel_ref", "s.end_time").
		Where(confirmed()).
		Where(squirrel.Eq{"b.voice_channel_created": true, "b.extension_prompt_shown": false}).
		Where(squirrel.NotEq{"b.text_channel_ref": nil}).
		Where(squirrel.Gt{"s.end_time": now.Unix()}).
		Where(squirrel.LtOrEq{"s.end_time": now.Add(window).Unix()}).
		OrderBy("s.end_time")

	var out []models.ExtensionCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var (
			c       models.ExtensionCandidate
			endTime int64
		)
		if err := rows.Scan(&c.BookingID, &c.TextChannelRef, &endTime); err != nil {
			return err
		}
		c.EndTime = fromUnix(endTime)
		out = append(out, c)
		return nil
	})
	return out, err
}

func (db *DB) FindTeardownCandidates(ctx context.Context, now time.Time) ([]models.TeardownCandidate, error) {
	q := db.selectBookings("b.id", "b.voice_channel_ref", "s.end_time").
		Where(confirmed()).
		Where(squirrel.NotEq{"b.voice_channel_ref": nil}).
		Where(squirrel.LtOrEq{"s.end_time": now.Unix()}).
		OrderBy("s.end_time")

	var out []models.TeardownCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var (
			c       models.TeardownCandidate
			endTime int64
		)
		if err := rows.Scan(&c.BookingID, &c.VoiceChannelRef, &endTime); err != nil {
			return err
		}
		c.EndTime = fromUnix(endTime)
		out = append(out, c)
		return nil
	})
	return out, err
}

func (db *DB) FindCleanupCandidates(ctx context.Context) ([]models.CleanupCandidate, error) {
	q := db.selectBookings("b.id", "b.text_channel_ref").
		Where(squirrel.Eq{"b.rating_completed": true, "b.text_channel_cleaned": false}).
		Where(squirrel.NotEq{"b.text_channel_ref": nil}).
		OrderBy("b.updated_at")

	var out []models.CleanupCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var c models.CleanupCandidate
		if err := rows.Scan(&c.BookingID, &c.TextChannelRef); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

const noRatingsForBooking = `NOT EXISTS (
    SELECT 1 FROM ratings r
    JOIN pairing_records p ON p.id = r.pairing_record_id
    WHERE p.booking_id = b.id)`

func (db *DB) FindMissedRatingCandidates(ctx context.Context, cutoff time.Time) ([]models.MissedRatingCandidate, error) {
	q := db.selectBookings("b.id", "s.end_time").
		Where(confirmed()).
		Where(squirrel.Lt{"s.end_time": cutoff.Unix()}).
		Where(squirrel.Expr(noRatingsForBooking)).
		OrderBy("s.end_time")

	var out []models.MissedRatingCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var (
			c       models.MissedRatingCandidate
			endTime int64
		)
		if err := rows.Scan(&c.BookingID, &endTime); err != nil {
			return err
		}
		c.EndTime = fromUnix(endTime)
		out = append(out, c)
		return nil
	})
	return out, err
}

func (db *DB) FindExpiredRatingWindows(ctx context.Context, cutoff time.Time) ([]models.RatingExpiryCandidate, error) {
	q := db.selectBookings("b.id", "s.end_time").
		Where(squirrel.Eq{"b.status": string(models.StatusCompleted), "b.rating_completed": false}).
		Where(squirrel.NotEq{"b.text_channel_ref": nil}).
		Where(squirrel.Lt{"s.end_time": cutoff.Unix()}).
		OrderBy("s.end_time")

	var out []models.RatingExpiryCandidate
	err := db.queryCandidates(ctx, q, func(rows *sql.Rows) error {
		var (
			c       models.RatingExpiryCandidate
			endTime int64
		)
		if err := rows.Scan(&c.BookingID, &endTime); err != nil {
			return err
		}
		c.EndTime = fromUnix(endTime)
		out = append(out, c)
		return nil
	})
	return out, err
}

func validHandle(field models.HandleField) bool {
	switch field {
	case models.HandleEarlyText, models.HandleText, models.HandleVoice:
		return true
	}
	return false
}

func validFlag(flag models.Flag) bool {
	switch flag {
	case models.FlagEarlyChannelCreated, models.FlagVoiceChannelCreated, models.FlagExtensionPromptShown,
		models.FlagRatingCompleted, models.FlagTextChannelCleaned:
		return true
	}
	return false
}

// updateBooking applies set to one booking and fails when the row is missing.
func (db *DB) updateBooking(ctx context.Context, bookingID string, set map[string]any) error {
	set["updated_at"] = db.now().Unix()
	n, err := exec(ctx, db.db, db.sb.Update("bookings").SetMap(set).Where(squirrel.Eq{"id": bookingID}))
	if err != nil {
		return fmt.Errorf("update booking %s: %w", bookingID, err)
	}
	if n == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}

func (db *DB) PersistHandle(ctx context.Context, bookingID string, field models.HandleField, ref string) error {
	if !validHandle(field) {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return db.updateBooking(ctx, bookingID, map[string]any{string(field): nullable(ref)})
}

func (db *DB) ClearHandles(ctx context.Context, bookingID string) error {
	return db.updateBooking(ctx, bookingID, map[string]any{
		string(models.HandleEarlyText): nil,
		string(models.HandleText):      nil,
		string(models.HandleVoice):     nil,
	})
}

func (db *DB) SetFlag(ctx context.Context, bookingID string, flag models.Flag, value bool) error {
	if !validFlag(flag) {
		return fmt.Errorf("%w: %s", ErrUnknownField, flag)
	}
	return db.updateBooking(ctx, bookingID, map[string]any{string(flag): value})
}

func (db *DB) MarkEarlyProvisioned(ctx context.Context, bookingID, earlyRef string) error {
	return db.updateBooking(ctx, bookingID, map[string]any{
		string(models.HandleEarlyText):         earlyRef,
		string(models.FlagEarlyChannelCreated): true,
	})
}

func (db *DB) MarkVoiceProvisioned(ctx context.Context, bookingID, voiceRef, textRef string) error {
	return db.updateBooking(ctx, bookingID, map[string]any{
		string(models.HandleVoice):             voiceRef,
		string(models.HandleText):              textRef,
		string(models.FlagVoiceChannelCreated): true,
	})
}

func (db *DB) CompleteBooking(ctx context.Context, bookingID string) (bool, error) {
	n, err := exec(ctx, db.db, db.sb.Update("bookings").
		Set("status", string(models.StatusCompleted)).
		Set(string(models.HandleVoice), nil).
		Set("updated_at", db.now().Unix()).
		Where(squirrel.Eq{"id": bookingID, "status": string(models.StatusConfirmed)}))
	if err != nil {
		return false, fmt.Errorf("complete booking %s: %w", bookingID, err)
	}
	return n == 1, nil
}

// AdvanceScheduleEnd pushes the schedule end forward and accounts the extension
// on the pairing record in one transaction.
func (db *DB) AdvanceScheduleEnd(ctx context.Context, bookingID string, increment time.Duration) (time.Time, error) {
	var newEnd time.Time
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := db.sb.Select("b.status", "s.id", "s.end_time").
			From("bookings b").
			Join("schedules s ON s.id = b.schedule_id").
			Where(squirrel.Eq{"b.id": bookingID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBuildQuery, err)
		}

		var (
			status     string
			scheduleID string
			endTime    int64
		)
		err = tx.QueryRowContext(ctx, query, args...).Scan(&status, &scheduleID, &endTime)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBookingNotFound
		}
		if err != nil {
			return fmt.Errorf("load schedule: %w", err)
		}
		if models.BookingStatus(status) != models.StatusConfirmed {
			return domain.ErrBookingInactive
		}

		newEnd = fromUnix(endTime).Add(increment)
		if _, err := exec(ctx, tx, db.sb.Update("schedules").
			Set("end_time", newEnd.Unix()).
			Where(squirrel.Eq{"id": scheduleID})); err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}

		if _, err := exec(ctx, tx, db.sb.Update("pairing_records").
			Set("extended_times", squirrel.Expr("extended_times + 1")).
			Set("duration_seconds", squirrel.Expr("duration_seconds + ?", int64(increment/time.Second))).
			Where(squirrel.Eq{"booking_id": bookingID})); err != nil {
			return fmt.Errorf("update pairing record: %w", err)
		}

		if _, err := exec(ctx, tx, db.sb.Update("bookings").
			Set("updated_at", db.now().Unix()).
			Where(squirrel.Eq{"id": bookingID})); err != nil {
			return fmt.Errorf("touch booking: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return newEnd, nil
}
