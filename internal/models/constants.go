package models

import "time"

const (
	// DefaultVoiceLead is how long before the start the voice channel opens
	DefaultVoiceLead = 5 * time.Minute

	// DefaultExtensionWindow is how long before the end an extension is offered
	DefaultExtensionWindow = 10 * time.Minute

	// DefaultExtensionIncrement is the length of one extension
	DefaultExtensionIncrement = 5 * time.Minute

	// DefaultMissedRatingGrace is how long after the end ratings are forced closed
	DefaultMissedRatingGrace = time.Hour

	// DefaultDedupTTL is the lifetime of a dedup tracker key
	DefaultDedupTTL = 2 * time.Minute

	DefaultRatingMergeWindow  = 30 * time.Second
	DefaultRatingOuterTimeout = 5 * time.Minute

	DefaultProvisioningInterval = 30 * time.Second
	DefaultExtensionInterval    = 30 * time.Second
	DefaultTeardownInterval     = 30 * time.Second
	DefaultCleanupInterval      = time.Minute
	DefaultSafetyNetInterval    = 5 * time.Minute
	DefaultHealthProbeInterval  = time.Minute

	DefaultVoiceBitrate = 64000
	DefaultTimezone     = "Asia/Taipei"

	// EarningsQueueSize bounds the earnings call queue
	EarningsQueueSize = 256
)
