package discord

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"pairbot/internal/models"
)

// Interaction types as sent by Discord.
const (
	InteractionPing        = 1
	InteractionComponent   = 3
	InteractionModalSubmit = 5
)

const (
	responsePong       = 1
	responseMessage    = 4
	responseModal      = 9
	flagEphemeral      = 64
	componentActionRow = 1
	componentTextInput = 4
	textInputShort     = 1
	textInputParagraph = 2
)

var ErrInvalidSignature = errors.New("invalid request signature")

// Verifier checks the Ed25519 signature Discord attaches to interaction webhooks.
type Verifier struct {
	key ed25519.PublicKey
}

func NewVerifier(publicKeyHex string) (*Verifier, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Verifier{key: ed25519.PublicKey(raw)}, nil
}

// Verify validates X-Signature-Ed25519 over timestamp+body.
func (v *Verifier) Verify(signatureHex, timestamp string, body []byte) error {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	if !ed25519.Verify(v.key, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

type interactionComponent struct {
	Type       int                    `json:"type"`
	CustomID   string                 `json:"custom_id"`
	Value      string                 `json:"value"`
	Components []interactionComponent `json:"components"`
}

type interactionData struct {
	CustomID      string                 `json:"custom_id"`
	ComponentType int                    `json:"component_type"`
	Components    []interactionComponent `json:"components"`
}

type interactionMember struct {
	User User `json:"user"`
}

// Payload is the subset of an interaction webhook body the bot reads.
type Payload struct {
	ID        string             `json:"id"`
	Type      int                `json:"type"`
	ChannelID string             `json:"channel_id"`
	Member    *interactionMember `json:"member"`
	User      *User              `json:"user"`
	Data      interactionData    `json:"data"`
}

func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode interaction: %w", err)
	}
	return &p, nil
}

func (p *Payload) IsPing() bool {
	return p.Type == InteractionPing
}

// Interaction converts a component click or modal submission to the domain model.
func (p *Payload) Interaction() (models.Interaction, error) {
	var kind models.InteractionKind
	switch p.Type {
	case InteractionComponent:
		kind = models.InteractionComponent
	case InteractionModalSubmit:
		kind = models.InteractionModalSubmit
	default:
		return models.Interaction{}, fmt.Errorf("unsupported interaction type %d", p.Type)
	}

	var userID string
	switch {
	case p.Member != nil:
		userID = p.Member.User.ID
	case p.User != nil:
		userID = p.User.ID
	}
	if userID == "" {
		return models.Interaction{}, errors.New("interaction has no user")
	}

	in := models.Interaction{
		Kind:           kind,
		CustomID:       p.Data.CustomID,
		ParticipantRef: userID,
		ChannelRef:     p.ChannelID,
		RequestID:      p.ID,
	}
	if kind == models.InteractionModalSubmit {
		in.Fields = make(map[string]string)
		collectValues(p.Data.Components, in.Fields)
	}
	return in, nil
}

func collectValues(components []interactionComponent, into map[string]string) {
	for _, c := range components {
		if c.Type == componentTextInput && c.CustomID != "" {
			into[c.CustomID] = c.Value
		}
		collectValues(c.Components, into)
	}
}

// Response is an interaction callback body.
type Response struct {
	Type int            `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func PongResponse() Response {
	return Response{Type: responsePong}
}

// ReplyResponse renders a reply as an ephemeral message or a modal.
func ReplyResponse(reply models.Reply) Response {
	if reply.Modal == nil {
		return Response{
			Type: responseMessage,
			Data: map[string]any{"content": reply.Content, "flags": flagEphemeral},
		}
	}

	rows := make([]map[string]any, 0, len(reply.Modal.Fields))
	for _, f := range reply.Modal.Fields {
		style := textInputShort
		if f.Paragraph {
			style = textInputParagraph
		}
		input := map[string]any{
			"type":      componentTextInput,
			"custom_id": f.ID,
			"label":     f.Label,
			"style":     style,
			"required":  f.Required,
		}
		if f.MaxLength > 0 {
			input["max_length"] = f.MaxLength
		}
		rows = append(rows, map[string]any{
			"type":       componentActionRow,
			"components": []map[string]any{input},
		})
	}

	return Response{
		Type: responseModal,
		Data: map[string]any{
			"custom_id":  reply.Modal.ID,
			"title":      reply.Modal.Title,
			"components": rows,
		},
	}
}
