package channel

import (
	"encoding/json"
	"time"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/util"
)

// WhatsAppPayload mirrors the subset of a WhatsApp inbound message the engine
// needs, whether it arrived over the Business webhook or the whatsmeow event
// stream (the messaging service converts events into this shape).
type WhatsAppPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive struct {
		Type      string `json:"type"`
		ListReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

// WhatsAppTextParser parses free-form WhatsApp text messages.
type WhatsAppTextParser struct{}

func (wp *WhatsAppTextParser) Parse(raw json.RawMessage) (*models.IncomingMessage, error) {
	var payload WhatsAppPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.ErrProtocolViolation
	}
	if payload.From == "" || payload.To == "" {
		return nil, models.ErrProtocolViolation
	}
	return &models.IncomingMessage{
		ID:            util.GenerateMessageID(),
		Type:          models.MessageTypeText,
		Text:          payload.Text.Body,
		EndUserName:   payload.Name,
		EndUserNumber: payload.From,
		PlatformID:    payload.To,
		Platform:      models.PlatformWhatsApp,
		ReceivedAt:    time.Now(),
		Payload:       raw,
	}, nil
}

// WhatsAppInteractiveParser parses interactive replies: list selections and
// button taps. The reply ID is the selected option's ID.
type WhatsAppInteractiveParser struct{}

func (wp *WhatsAppInteractiveParser) Parse(raw json.RawMessage) (*models.IncomingMessage, error) {
	var payload WhatsAppPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.ErrProtocolViolation
	}
	if payload.From == "" || payload.To == "" {
		return nil, models.ErrProtocolViolation
	}

	optionID := payload.Interactive.ListReply.ID
	optionText := payload.Interactive.ListReply.Title
	if optionID == "" {
		optionID = payload.Interactive.ButtonReply.ID
		optionText = payload.Interactive.ButtonReply.Title
	}
	if optionID == "" {
		return nil, models.ErrProtocolViolation
	}

	return &models.IncomingMessage{
		ID:   util.GenerateMessageID(),
		Type: models.MessageTypeQuestion,
		SelectedOption: &models.OptionSelection{
			OptionID:    optionID,
			OptionText:  optionText,
			OptionValue: optionText,
		},
		EndUserName:   payload.Name,
		EndUserNumber: payload.From,
		PlatformID:    payload.To,
		Platform:      models.PlatformWhatsApp,
		ReceivedAt:    time.Now(),
		Payload:       raw,
	}, nil
}
