package reconcile

import (
	"fmt"
	"strconv"
	"time"

	"pairbot/internal/models"
)

func welcomeMessage(b *models.Booking) string {
	if b.IsInstantMode {
		return fmt.Sprintf("🔥 Hi %s! Your instant session with %s is confirmed. The voice channel opens in %d minutes.",
			b.CustomerName, b.PartnerName, b.ResourceOpenDelayMinutes)
	}
	return fmt.Sprintf("🎮 Hi %s! Your booking is confirmed. %s will meet you here before the session starts <t:%d:R>.",
		b.CustomerName, b.PartnerName, b.Schedule.StartTime.Unix())
}

func startMessage(b *models.Booking, voiceRef string) string {
	return fmt.Sprintf("🎮 Your session is about to start! Join <#%s>. Ends <t:%d:t>.", voiceRef, b.Schedule.EndTime.Unix())
}

func extensionPrompt(b *models.Booking, increment time.Duration) models.Prompt {
	minutes := int(increment.Minutes())
	return models.Prompt{
		ID:   models.PromptID(models.ActionExtend, b.ID),
		Text: fmt.Sprintf("⏰ The session ends <t:%d:R>. Need %d more minutes?", b.Schedule.EndTime.Unix(), minutes),
		Options: []models.PromptOption{{
			ID:    models.PromptID(models.ActionExtend, b.ID),
			Label: fmt.Sprintf("Extend %d min", minutes),
			Style: models.ButtonPrimary,
		}},
	}
}

func ratingPrompt(b *models.Booking) models.Prompt {
	p := models.Prompt{
		ID:   models.PromptID(models.ActionRate, b.ID),
		Text: "⭐ The session has ended. How was it? Each participant can rate once.",
	}
	for n := models.MinRating; n <= models.MaxRating; n++ {
		p.Options = append(p.Options, models.PromptOption{
			ID:    models.PromptID(models.ActionRate, b.ID, strconv.Itoa(n)),
			Label: fmt.Sprintf("%d⭐", n),
			Style: models.ButtonPrimary,
		})
	}
	p.Options = append(p.Options, models.PromptOption{
		ID:    models.PromptID(models.ActionRateModal, b.ID),
		Label: "Rate with comment",
		Style: models.ButtonSecondary,
	})
	return p
}
