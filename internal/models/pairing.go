package models

import "time"

type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
)

const (
	MinRating = 1
	MaxRating = 5
)

// PairingRecord is the history entry of one provisioned meeting.
type PairingRecord struct {
	ID              string    `json:"id"`
	BookingID       string    `json:"booking_id"`
	RequesterRef    string    `json:"requester_ref"`
	ProviderRef     string    `json:"provider_ref"`
	DurationSeconds int64     `json:"duration_seconds"`
	ExtendedTimes   int       `json:"extended_times"`
	Rating          *int      `json:"rating,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	Flushed         bool      `json:"flushed"`
	CreatedAt       time.Time `json:"created_at"`
}

// RequiredRatings is 1 when both slots point at the same identity.
func (p *PairingRecord) RequiredRatings() int {
	if p.RequesterRef == p.ProviderRef {
		return 1
	}
	return 2
}

// RoleOf reports which side participantRef is on.
func (p *PairingRecord) RoleOf(participantRef string) (Role, bool) {
	switch participantRef {
	case "":
		return "", false
	case p.RequesterRef:
		return RoleRequester, true
	case p.ProviderRef:
		return RoleProvider, true
	}
	return "", false
}

type RatingSubmission struct {
	ID              string    `json:"id"`
	PairingRecordID string    `json:"pairing_record_id"`
	ParticipantRef  string    `json:"participant_ref"`
	Rating          int       `json:"rating"`
	Comment         string    `json:"comment,omitempty"`
	Role            Role      `json:"role"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

func ValidRating(n int) bool {
	return n >= MinRating && n <= MaxRating
}
