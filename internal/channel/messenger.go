package channel

import (
	"encoding/json"
	"time"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/util"
)

// MessengerPayload mirrors one messaging entry of a Messenger webhook event.
// Text messages arrive under Message; option selections arrive either as a
// postback (button template) or a quick reply.
type MessengerPayload struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message *struct {
		MID        string `json:"mid,omitempty"`
		Text       string `json:"text,omitempty"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply,omitempty"`
	} `json:"message,omitempty"`
	Postback *struct {
		Title   string `json:"title,omitempty"`
		Payload string `json:"payload"`
	} `json:"postback,omitempty"`
}

// MessengerTextParser parses free-form Messenger text messages.
type MessengerTextParser struct{}

func (mp *MessengerTextParser) Parse(raw json.RawMessage) (*models.IncomingMessage, error) {
	var payload MessengerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.ErrProtocolViolation
	}
	if payload.Sender.ID == "" || payload.Recipient.ID == "" || payload.Message == nil {
		return nil, models.ErrProtocolViolation
	}
	return &models.IncomingMessage{
		ID:            util.GenerateMessageID(),
		Type:          models.MessageTypeText,
		Text:          payload.Message.Text,
		EndUserNumber: payload.Sender.ID,
		PlatformID:    payload.Recipient.ID,
		Platform:      models.PlatformMessenger,
		ReceivedAt:    time.Now(),
		Payload:       raw,
	}, nil
}

// MessengerPostbackParser parses option selections: postbacks from button
// templates and quick replies. The postback payload carries the option ID.
type MessengerPostbackParser struct{}

func (mp *MessengerPostbackParser) Parse(raw json.RawMessage) (*models.IncomingMessage, error) {
	var payload MessengerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.ErrProtocolViolation
	}
	if payload.Sender.ID == "" || payload.Recipient.ID == "" {
		return nil, models.ErrProtocolViolation
	}

	var optionID, optionText string
	switch {
	case payload.Postback != nil && payload.Postback.Payload != "":
		optionID = payload.Postback.Payload
		optionText = payload.Postback.Title
	case payload.Message != nil && payload.Message.QuickReply != nil && payload.Message.QuickReply.Payload != "":
		optionID = payload.Message.QuickReply.Payload
		optionText = payload.Message.Text
	default:
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
		EndUserNumber: payload.Sender.ID,
		PlatformID:    payload.Recipient.ID,
		Platform:      models.PlatformMessenger,
		ReceivedAt:    time.Now(),
		Payload:       raw,
	}, nil
}
