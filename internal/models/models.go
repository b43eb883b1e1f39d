// Package models defines the core data structures for the bot conversation engine.
//
// It includes the canonical incoming message shape, story graph types, cursor
// state, and shared error values used across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// PlatformType identifies the messaging channel an end user is talking on.
type PlatformType string

const (
	// PlatformWhatsApp is the WhatsApp messaging channel.
	PlatformWhatsApp PlatformType = "whatsapp"
	// PlatformMessenger is the Facebook Messenger channel.
	PlatformMessenger PlatformType = "messenger"
	// PlatformIVR is the interactive voice response (Twilio voice) channel.
	PlatformIVR PlatformType = "ivr"
)

// IsValidPlatform checks if the given platform type is supported.
func IsValidPlatform(p PlatformType) bool {
	switch p {
	case PlatformWhatsApp, PlatformMessenger, PlatformIVR:
		return true
	default:
		return false
	}
}

// MessageType classifies a canonical incoming message.
type MessageType string

const (
	// MessageTypeText is free-form text input (or speech transcribed to text).
	MessageTypeText MessageType = "text"
	// MessageTypeQuestion is interactive input: an option selected from a
	// previously rendered question (button tap, list reply, DTMF digit).
	MessageTypeQuestion MessageType = "question"
)

// OptionSelection captures the option an end user selected on a question.
type OptionSelection struct {
	OptionID    string `json:"option_id"`
	OptionText  string `json:"option_text,omitempty"`
	OptionValue string `json:"option_value,omitempty"`
}

// IncomingMessage is the canonical, channel-agnostic inbound message produced
// by a channel adapter. It lives for a single turn.
type IncomingMessage struct {
	ID             string           `json:"id"`
	Type           MessageType      `json:"type"`
	Text           string           `json:"text,omitempty"`
	SelectedOption *OptionSelection `json:"selected_option,omitempty"`
	EndUserName    string           `json:"end_user_name,omitempty"`
	EndUserNumber  string           `json:"end_user_number"`
	PlatformID     string           `json:"platform_id"`
	Platform       PlatformType     `json:"platform"`
	ReceivedAt     time.Time        `json:"received_at"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
}

// ChannelPayload is a rendered, channel-specific outbound response ready to be
// written back to the inbound webhook or handed to a delivery service.
type ChannelPayload struct {
	To          string `json:"to"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Receipt represents a message delivery receipt event.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// MessageStatus enumerates delivery receipt states.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Response represents a raw inbound message observed by a messaging service
// (e.g. a whatsmeow event) before channel adaptation.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// Error variables shared across the engine. The taxonomy distinguishes
// protocol violations (bad inbound payloads), integrity errors (broken story
// authoring), and concurrency conflicts on the cursor.
var (
	ErrProtocolViolation  = errors.New("malformed or unrecognized inbound payload")
	ErrStoryNotFound      = errors.New("story not found")
	ErrBlockNotFound      = errors.New("story block not found")
	ErrConnectionNotFound = errors.New("connection not found for source block")
	ErrEndUserNotFound    = errors.New("end user not found")
	ErrMicroAppNotFound   = errors.New("micro-app status not found")
	ErrCursorConflict     = errors.New("cursor version conflict")
	ErrLeaseHeld          = errors.New("turn lease already held for end user")
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrUnknownBlockType   = errors.New("unknown story block type")
)

// APIStatus defines standard status values for API responses.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse provides a standardized structure for all API responses.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
