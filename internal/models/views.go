package models

import "time"

// Candidate rows returned by the per-rule store queries. Each view carries only
// the columns its query selects; rules re-read the full booking before acting.

type CandidateRef struct {
	BookingID string
}

func (c CandidateRef) ID() string { return c.BookingID }

type EarlySurfaceCandidate struct {
	CandidateRef
	ConfirmedAt time.Time
}

type VoiceCandidate struct {
	CandidateRef
	StartTime           time.Time
	EarlyTextChannelRef string
	VoiceChannelCreated bool
}

type InstantVoiceCandidate struct {
	CandidateRef
	ConfirmedAt              time.Time
	ResourceOpenDelayMinutes int
}

func (c InstantVoiceCandidate) OpenAt() time.Time {
	return c.ConfirmedAt.Add(time.Duration(c.ResourceOpenDelayMinutes) * time.Minute)
}

type ExtensionCandidate struct {
	CandidateRef
	TextChannelRef string
	EndTime        time.Time
}

type TeardownCandidate struct {
	CandidateRef
	VoiceChannelRef string
	EndTime         time.Time
}

type CleanupCandidate struct {
	CandidateRef
	TextChannelRef string
}

type MissedRatingCandidate struct {
	CandidateRef
	EndTime time.Time
}

type RatingExpiryCandidate struct {
	CandidateRef
	EndTime time.Time
}
