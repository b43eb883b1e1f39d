package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/convstack/botengine/internal/models"
)

// whatsAppMessage is one message object in the rendered WhatsApp payload,
// following the Business API message shapes the engine emits.
type whatsAppMessage struct {
	Type        string               `json:"type"`
	Text        *whatsAppText        `json:"text,omitempty"`
	Interactive *whatsAppInteractive `json:"interactive,omitempty"`
}

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppInteractive struct {
	Type   string         `json:"type"`
	Body   whatsAppText   `json:"body"`
	Footer *whatsAppText  `json:"footer,omitempty"`
	Action whatsAppAction `json:"action"`
}

type whatsAppAction struct {
	Buttons    []whatsAppButton   `json:"buttons,omitempty"`
	Name       string             `json:"name,omitempty"`
	Parameters *whatsAppURLParams `json:"parameters,omitempty"`
}

type whatsAppButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type whatsAppURLParams struct {
	DisplayText string `json:"display_text"`
	URL         string `json:"url"`
}

type whatsAppPayload struct {
	To       string            `json:"to"`
	Messages []whatsAppMessage `json:"messages"`
}

// WhatsAppRenderer renders outbound blocks as WhatsApp message JSON.
type WhatsAppRenderer struct{}

// NewWhatsAppRenderer creates a WhatsAppRenderer.
func NewWhatsAppRenderer() *WhatsAppRenderer {
	return &WhatsAppRenderer{}
}

func (r *WhatsAppRenderer) Render(to string, blocks []models.StoryBlock) (*models.ChannelPayload, error) {
	payload := whatsAppPayload{To: to}
	for _, block := range blocks {
		msg, err := renderWhatsAppBlock(block)
		if err != nil {
			return nil, err
		}
		payload.Messages = append(payload.Messages, msg)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WhatsApp payload: %w", err)
	}
	return &models.ChannelPayload{To: to, ContentType: "application/json", Body: body}, nil
}

func (r *WhatsAppRenderer) RenderFallback(to string) *models.ChannelPayload {
	payload := whatsAppPayload{To: to, Messages: []whatsAppMessage{{
		Type: "text",
		Text: &whatsAppText{Body: FallbackMessage},
	}}}
	body, _ := json.Marshal(payload)
	return &models.ChannelPayload{To: to, ContentType: "application/json", Body: body}
}

func renderWhatsAppBlock(block models.StoryBlock) (whatsAppMessage, error) {
	switch block.Type {
	case models.BlockTypeTextMessage, models.BlockTypeAudioMessage, models.BlockTypeEvent:
		return whatsAppMessage{Type: "text", Text: &whatsAppText{Body: block.Message}}, nil

	case models.BlockTypeQuestion:
		inter := &whatsAppInteractive{
			Type: "button",
			Body: whatsAppText{Body: block.Message},
		}
		for _, opt := range block.Options {
			var btn whatsAppButton
			btn.Type = "reply"
			btn.Reply.ID = opt.ID
			btn.Reply.Title = opt.Message
			inter.Action.Buttons = append(inter.Action.Buttons, btn)
		}
		return whatsAppMessage{Type: "interactive", Interactive: inter}, nil

	case models.BlockTypeInteractiveURLButton:
		inter := &whatsAppInteractive{
			Type: "cta_url",
			Body: whatsAppText{Body: block.Message},
			Action: whatsAppAction{
				Name: "cta_url",
				Parameters: &whatsAppURLParams{
					DisplayText: block.URLDisplayText,
					URL:         block.URL,
				},
			},
		}
		if block.FooterText != "" {
			inter.Footer = &whatsAppText{Body: block.FooterText}
		}
		return whatsAppMessage{Type: "interactive", Interactive: inter}, nil

	default:
		return whatsAppMessage{}, fmt.Errorf("cannot render block type %s for WhatsApp", block.Type)
	}
}
