package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/convstack/botengine/internal/models"
)

// messengerMessage is one Send API message object.
type messengerMessage struct {
	Text         string                `json:"text,omitempty"`
	Attachment   *messengerAttachment  `json:"attachment,omitempty"`
	QuickReplies []messengerQuickReply `json:"quick_replies,omitempty"`
}

type messengerAttachment struct {
	Type    string           `json:"type"`
	Payload messengerPayload `json:"payload"`
}

type messengerPayload struct {
	TemplateType string            `json:"template_type,omitempty"`
	Text         string            `json:"text,omitempty"`
	URL          string            `json:"url,omitempty"`
	Buttons      []messengerButton `json:"buttons,omitempty"`
}

type messengerButton struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type messengerQuickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type messengerEnvelope struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	MessagingType string             `json:"messaging_type"`
	Messages      []messengerMessage `json:"messages"`
}

// MessengerRenderer renders outbound blocks as Facebook Send API JSON.
type MessengerRenderer struct{}

// NewMessengerRenderer creates a MessengerRenderer.
func NewMessengerRenderer() *MessengerRenderer {
	return &MessengerRenderer{}
}

func (r *MessengerRenderer) Render(to string, blocks []models.StoryBlock) (*models.ChannelPayload, error) {
	env := messengerEnvelope{MessagingType: "RESPONSE"}
	env.Recipient.ID = to
	for _, block := range blocks {
		msg, err := renderMessengerBlock(block)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, msg)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode Messenger payload: %w", err)
	}
	return &models.ChannelPayload{To: to, ContentType: "application/json", Body: body}, nil
}

func (r *MessengerRenderer) RenderFallback(to string) *models.ChannelPayload {
	env := messengerEnvelope{MessagingType: "RESPONSE"}
	env.Recipient.ID = to
	env.Messages = []messengerMessage{{Text: FallbackMessage}}
	body, _ := json.Marshal(env)
	return &models.ChannelPayload{To: to, ContentType: "application/json", Body: body}
}

func renderMessengerBlock(block models.StoryBlock) (messengerMessage, error) {
	switch block.Type {
	case models.BlockTypeTextMessage, models.BlockTypeEvent:
		return messengerMessage{Text: block.Message}, nil

	case models.BlockTypeAudioMessage:
		if block.AudioURL == "" {
			return messengerMessage{Text: block.Message}, nil
		}
		return messengerMessage{Attachment: &messengerAttachment{
			Type:    "audio",
			Payload: messengerPayload{URL: block.AudioURL},
		}}, nil

	case models.BlockTypeQuestion:
		msg := messengerMessage{Text: block.Message}
		for _, opt := range block.Options {
			msg.QuickReplies = append(msg.QuickReplies, messengerQuickReply{
				ContentType: "text",
				Title:       opt.Message,
				Payload:     opt.ID,
			})
		}
		return msg, nil

	case models.BlockTypeInteractiveURLButton:
		return messengerMessage{Attachment: &messengerAttachment{
			Type: "template",
			Payload: messengerPayload{
				TemplateType: "button",
				Text:         block.Message,
				Buttons: []messengerButton{{
					Type:  "web_url",
					Title: block.URLDisplayText,
					URL:   block.URL,
				}},
			},
		}}, nil

	default:
		return messengerMessage{}, fmt.Errorf("cannot render block type %s for Messenger", block.Type)
	}
}
