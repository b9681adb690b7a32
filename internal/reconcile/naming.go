package reconcile

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"pairbot/internal/models"
)

var cuteItems = []string{
	"🎀", "🐶", "🐱", "🐻", "🐰", "🐦", "🐟", "🌸",
	"🌳", "⭐", "🌙", "🌞", "☁️", "🌈", "💖",
	"💎", "👑", "🪽", "🔔", "🍬", "🍰",
	"🍦", "🎈", "🎁", "💠", "🦪", "🐚",
}

// cuteItem is stable for a booking id so every surface of one booking shares it.
func cuteItem(bookingID string) string {
	sum := md5.Sum([]byte(bookingID))
	return cuteItems[int(sum[0])%len(cuteItems)]
}

// bookingTag identifies the booking inside a channel name. Find-by-name
// adoption relies on it: two bookings never share a name.
func bookingTag(bookingID string) string {
	sum := md5.Sum([]byte(bookingID))
	return hex.EncodeToString(sum[1:5])
}

func earlyChannelName(b *models.Booking) string {
	prefix := "📝"
	if b.IsInstantMode {
		prefix = "🔥"
	}
	return textChannelSlug(fmt.Sprintf("%s%s-%s-%s-%s", prefix, cuteItem(b.ID), b.CustomerName, b.PartnerName, bookingTag(b.ID)))
}

// TextChannelName is the session text channel name, "💬MMDD-HHMM-HHMM-<item>-<tag>" in loc.
func TextChannelName(b *models.Booking, loc *time.Location) string {
	return textChannelSlug(fmt.Sprintf("💬%s-%s-%s", timeRange(b, loc, "-"), cuteItem(b.ID), bookingTag(b.ID)))
}

// VoiceChannelName is "🎤MMDD HHMM-HHMM <item> <tag>" in loc.
func VoiceChannelName(b *models.Booking, loc *time.Location) string {
	return fmt.Sprintf("🎤%s %s %s", timeRange(b, loc, " "), cuteItem(b.ID), bookingTag(b.ID))
}

func timeRange(b *models.Booking, loc *time.Location, sep string) string {
	start := b.Schedule.StartTime.In(loc)
	end := b.Schedule.EndTime.In(loc)
	return start.Format("0102") + sep + start.Format("1504") + "-" + end.Format("1504")
}

// textChannelSlug mirrors how the platform stores text channel names so that
// find-by-name matches what was created.
func textChannelSlug(name string) string {
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsSpace(r) || r == '-' {
			if !lastDash {
				sb.WriteRune('-')
				lastDash = true
			}
			continue
		}
		sb.WriteRune(r)
		lastDash = false
	}
	return strings.Trim(sb.String(), "-")
}
