package models

import (
	"fmt"
	"strings"
)

// Prompt action prefixes used in interactive custom ids.
const (
	ActionExtend     = "extend"
	ActionRate       = "rate"
	ActionRateModal  = "ratemodal"
	promptSeparator  = ":"
	ModalFieldRating = "rating"
	ModalFieldNote   = "comment"
)

type ButtonStyle int

const (
	ButtonPrimary   ButtonStyle = 1
	ButtonSecondary ButtonStyle = 2
	ButtonSuccess   ButtonStyle = 3
)

type PromptOption struct {
	ID    string
	Label string
	Style ButtonStyle
}

// Prompt is an interactive message bound to one booking.
type Prompt struct {
	ID      string
	Text    string
	Options []PromptOption
}

type InteractionKind int

const (
	InteractionComponent InteractionKind = iota + 1
	InteractionModalSubmit
)

// Interaction is a participant's response to a prompt.
type Interaction struct {
	Kind           InteractionKind
	CustomID       string
	ParticipantRef string
	ChannelRef     string
	Fields         map[string]string
	RequestID      string
}

type ModalField struct {
	ID        string
	Label     string
	Required  bool
	MaxLength int
	Paragraph bool
}

type Modal struct {
	ID     string
	Title  string
	Fields []ModalField
}

// Reply is what the participant sees after an interaction.
type Reply struct {
	Content string
	Modal   *Modal
}

func PromptID(action, bookingID string, args ...string) string {
	parts := append([]string{action, bookingID}, args...)
	return strings.Join(parts, promptSeparator)
}

// ParsePromptID splits a custom id into action, booking id and an optional argument.
func ParsePromptID(customID string) (action, bookingID, arg string, err error) {
	parts := strings.SplitN(customID, promptSeparator, 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("malformed prompt id %q", customID)
	}
	if len(parts) == 3 {
		arg = parts[2]
	}
	return parts[0], parts[1], arg, nil
}
