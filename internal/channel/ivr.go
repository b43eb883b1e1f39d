package channel

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/util"
)

// IVRPayload is the sanitized form of a Twilio voice webhook. Twilio delivers
// call state as query/form parameters; ConvertIVRPayload lifts them into a
// typed shape before parsing. Options carries the current question block's
// option list so DTMF digits can be resolved positionally.
type IVRPayload struct {
	To      string               `json:"to"`
	From    string               `json:"from"`
	CallSID string               `json:"call_sid,omitempty"`
	Digits  string               `json:"digits,omitempty"`
	Text    string               `json:"text,omitempty"`
	Options []models.BlockOption `json:"options,omitempty"`
}

// ConvertIVRPayload converts an incoming Twilio voice request into an
// IVRPayload. Returns nil when the required To/From identity fields are
// missing; callers treat that as a protocol violation.
func ConvertIVRPayload(values url.Values) *IVRPayload {
	to := values.Get("To")
	from := values.Get("From")
	if to == "" || from == "" {
		return nil
	}
	return &IVRPayload{
		To:      to,
		From:    from,
		CallSID: values.Get("CallSid"),
		Digits:  values.Get("Digits"),
	}
}

// MessageType derives the canonical message kind: DTMF digits indicate an
// interactive (question) message, otherwise the call leg is treated as text.
func (p *IVRPayload) MessageType() models.MessageType {
	if p.Digits != "" {
		return models.MessageTypeQuestion
	}
	return models.MessageTypeText
}

// IVRTextParser parses the text leg of a call (first contact, or a block
// whose spoken content needs no input).
type IVRTextParser struct{}

func (ip *IVRTextParser) Parse(raw json.RawMessage) (*models.IncomingMessage, error) {
	var payload IVRPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.ErrProtocolViolation
	}
	if payload.To == "" || payload.From == "" {
		return nil, models.ErrProtocolViolation
	}
	return &models.IncomingMessage{
		ID:            util.GenerateMessageID(),
		Type:          models.MessageTypeText,
		Text:          payload.Text,
		EndUserNumber: payload.From,
		PlatformID:    payload.To,
		Platform:      models.PlatformIVR,
		ReceivedAt:    time.Now(),
		Payload:       raw,
	}, nil
}

// IVRInteractiveParser maps gathered DTMF digits onto the pending question's
// option list. The digit is used as a zero-based index into the options; an
// invalid or out-of-range digit deliberately falls back to the first option
// rather than failing the call.
type IVRInteractiveParser struct{}

func (ip *IVRInteractiveParser) Parse(raw json.RawMessage) (*models.IncomingMessage, error) {
	var payload IVRPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.ErrProtocolViolation
	}
	if payload.To == "" || payload.From == "" {
		return nil, models.ErrProtocolViolation
	}
	if len(payload.Options) == 0 {
		return nil, models.ErrProtocolViolation
	}

	idx := -1
	if digits := strings.TrimSpace(payload.Digits); digits != "" {
		if parsed, err := strconv.Atoi(digits); err == nil {
			idx = parsed
		}
	}

	selected := payload.Options[0]
	if idx >= 0 && idx < len(payload.Options) {
		selected = payload.Options[idx]
	}

	return &models.IncomingMessage{
		ID:   util.GenerateMessageID(),
		Type: models.MessageTypeQuestion,
		SelectedOption: &models.OptionSelection{
			OptionID:    selected.ID,
			OptionText:  selected.Message,
			OptionValue: selected.Message,
		},
		EndUserNumber: payload.From,
		PlatformID:    payload.To,
		Platform:      models.PlatformIVR,
		ReceivedAt:    time.Now(),
		Payload:       raw,
	}, nil
}
