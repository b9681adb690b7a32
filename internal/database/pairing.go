package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pairbot/internal/domain"
	"pairbot/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var pairingColumns = []string{
	"id", "booking_id", "requester_ref", "provider_ref",
	"duration_seconds", "extended_times", "rating", "comment", "flushed", "created_at",
}

// UpsertPairingRecord inserts the record for a booking once and loads the
// stored row back into rec.
func (db *DB) UpsertPairingRecord(ctx context.Context, rec *models.PairingRecord) error {
	if rec.BookingID == "" {
		return errors.New("pairing record requires booking id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = db.now().UTC()
	}

	_, err := exec(ctx, db.db, db.sb.Insert("pairing_records").
		Columns("id", "booking_id", "requester_ref", "provider_ref", "duration_seconds", "extended_times", "created_at").
		Values(rec.ID, rec.BookingID, rec.RequesterRef, rec.ProviderRef, rec.DurationSeconds, rec.ExtendedTimes, toUnix(rec.CreatedAt)).
		Suffix("ON CONFLICT (booking_id) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("insert pairing record: %w", err)
	}

	stored, err := db.GetPairingRecordByBooking(ctx, rec.BookingID)
	if err != nil {
		return err
	}
	*rec = *stored
	return nil
}

func (db *DB) GetPairingRecordByBooking(ctx context.Context, bookingID string) (*models.PairingRecord, error) {
	query, args, err := db.sb.Select(pairingColumns...).
		From("pairing_records").
		Where(squirrel.Eq{"booking_id": bookingID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildQuery, err)
	}

	var (
		rec       models.PairingRecord
		rating    sql.NullInt64
		comment   sql.NullString
		createdAt int64
	)
	err = db.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.BookingID, &rec.RequesterRef, &rec.ProviderRef,
		&rec.DurationSeconds, &rec.ExtendedTimes, &rating, &comment, &rec.Flushed, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPairingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pairing record: %w", err)
	}

	if rating.Valid {
		v := int(rating.Int64)
		rec.Rating = &v
	}
	rec.Comment = comment.String
	rec.CreatedAt = fromUnix(createdAt)
	return &rec, nil
}

func (db *DB) RecordRating(ctx context.Context, sub *models.RatingSubmission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = db.now().UTC()
	}

	n, err := exec(ctx, db.db, db.sb.Insert("ratings").
		Columns("id", "pairing_record_id", "participant_ref", "rating", "comment", "role", "submitted_at").
		Values(sub.ID, sub.PairingRecordID, sub.ParticipantRef, sub.Rating, nullable(sub.Comment), string(sub.Role), toUnix(sub.SubmittedAt)).
		Suffix("ON CONFLICT (pairing_record_id, participant_ref) DO NOTHING"))
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateRating
	}
	return nil
}

func (db *DB) ListRatings(ctx context.Context, pairingRecordID string) ([]models.RatingSubmission, error) {
	query, args, err := db.sb.Select("id", "pairing_record_id", "participant_ref", "rating", "comment", "role", "submitted_at").
		From("ratings").
		Where(squirrel.Eq{"pairing_record_id": pairingRecordID}).
		OrderBy("submitted_at", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildQuery, err)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RatingSubmission
	for rows.Next() {
		var (
			sub         models.RatingSubmission
			comment     sql.NullString
			role        string
			submittedAt int64
		)
		if err := rows.Scan(&sub.ID, &sub.PairingRecordID, &sub.ParticipantRef, &sub.Rating, &comment, &role, &submittedAt); err != nil {
			return nil, err
		}
		sub.Comment = comment.String
		sub.Role = models.Role(role)
		sub.SubmittedAt = fromUnix(submittedAt)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (db *DB) MarkPairingFlushed(ctx context.Context, pairingRecordID string, rating *int, comment string) (bool, error) {
	var ratingValue any
	if rating != nil {
		ratingValue = *rating
	}

	n, err := exec(ctx, db.db, db.sb.Update("pairing_records").
		Set("flushed", true).
		Set("rating", ratingValue).
		Set("comment", nullable(comment)).
		Where(squirrel.Eq{"id": pairingRecordID, "flushed": false}))
	if err != nil {
		return false, fmt.Errorf("mark pairing flushed: %w", err)
	}
	return n == 1, nil
}
