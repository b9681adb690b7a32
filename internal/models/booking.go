package models

import "time"

type BookingStatus string

const (
	StatusPending   BookingStatus = "PENDING"
	StatusConfirmed BookingStatus = "CONFIRMED"
	StatusCompleted BookingStatus = "COMPLETED"
	StatusCancelled BookingStatus = "CANCELLED"
)

// HandleField names a nullable channel reference column on a booking.
type HandleField string

const (
	HandleEarlyText HandleField = "early_text_channel_ref"
	HandleText      HandleField = "text_channel_ref"
	HandleVoice     HandleField = "voice_channel_ref"
)

// Flag names a boolean progress column on a booking.
type Flag string

const (
	FlagEarlyChannelCreated  Flag = "early_channel_created"
	FlagVoiceChannelCreated  Flag = "voice_channel_created"
	FlagExtensionPromptShown Flag = "extension_prompt_shown"
	FlagRatingCompleted      Flag = "rating_completed"
	FlagTextChannelCleaned   Flag = "text_channel_cleaned"
)

type Schedule struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type Booking struct {
	ID          string        `json:"id"`
	Status      BookingStatus `json:"status"`
	Schedule    Schedule      `json:"schedule"`
	ConfirmedAt time.Time     `json:"confirmed_at"`

	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name"`
	CustomerRef  string `json:"customer_ref"` // chat platform user id
	PartnerID    string `json:"partner_id"`
	PartnerName  string `json:"partner_name"`
	PartnerRef   string `json:"partner_ref"`

	EarlyChannelCreated  bool `json:"early_channel_created"`
	VoiceChannelCreated  bool `json:"voice_channel_created"`
	ExtensionPromptShown bool `json:"extension_prompt_shown"`
	RatingCompleted      bool `json:"rating_completed"`
	TextChannelCleaned   bool `json:"text_channel_cleaned"`

	// Empty string means the handle is not set.
	EarlyTextChannelRef string `json:"early_text_channel_ref,omitempty"`
	TextChannelRef      string `json:"text_channel_ref,omitempty"`
	VoiceChannelRef     string `json:"voice_channel_ref,omitempty"`

	IsInstantMode            bool `json:"is_instant_mode"`
	ResourceOpenDelayMinutes int  `json:"resource_open_delay_minutes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participants returns the distinct platform refs of both sides of the booking.
func (b *Booking) Participants() []string {
	refs := make([]string, 0, 2)
	if b.CustomerRef != "" {
		refs = append(refs, b.CustomerRef)
	}
	if b.PartnerRef != "" && b.PartnerRef != b.CustomerRef {
		refs = append(refs, b.PartnerRef)
	}
	return refs
}

func (b *Booking) IsParticipant(ref string) bool {
	return ref != "" && (ref == b.CustomerRef || ref == b.PartnerRef)
}

func (b *Booking) Duration() time.Duration {
	return b.Schedule.EndTime.Sub(b.Schedule.StartTime)
}

// InstantOpenAt is the moment an instant booking's voice surface becomes due.
func (b *Booking) InstantOpenAt() time.Time {
	return b.ConfirmedAt.Add(time.Duration(b.ResourceOpenDelayMinutes) * time.Minute)
}
