package domain

import "errors"

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrRateLimited     = errors.New("platform rate limit exceeded")
	ErrBookingNotFound = errors.New("booking not found")
	ErrPairingNotFound = errors.New("pairing record not found")
	ErrDuplicateRating = errors.New("rating already submitted")
	ErrBookingInactive = errors.New("booking is not active")
)
