// Package messaging provides pluggable outbound transports for the bot engine.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/convstack/botengine/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything but digits when canonicalizing recipients.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending rendered channel payloads and plain text, and provides
// channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a plain text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendPayload delivers a rendered channel payload.
	SendPayload(ctx context.Context, payload *models.ChannelPayload) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming end-user responses.
	Responses() <-chan models.Response
}

// outboundEnvelope mirrors the rendered WhatsApp payload shape far enough to
// flatten it back into plain text for transports that only carry text.
type outboundEnvelope struct {
	To       string `json:"to"`
	Messages []struct {
		Type string `json:"type"`
		Text *struct {
			Body string `json:"body"`
		} `json:"text"`
		Interactive *struct {
			Body struct {
				Body string `json:"body"`
			} `json:"body"`
			Footer *struct {
				Body string `json:"body"`
			} `json:"footer"`
			Action struct {
				Buttons []struct {
					Reply struct {
						Title string `json:"title"`
					} `json:"reply"`
				} `json:"buttons"`
				Parameters *struct {
					DisplayText string `json:"display_text"`
					URL         string `json:"url"`
				} `json:"parameters"`
			} `json:"action"`
		} `json:"interactive"`
	} `json:"messages"`
}

// textsFromPayload flattens a rendered payload into one text body per
// message. Interactive buttons become numbered choices, link buttons become
// the link itself.
func textsFromPayload(payload *models.ChannelPayload) ([]string, error) {
	var env outboundEnvelope
	if err := json.Unmarshal(payload.Body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode outbound payload: %w", err)
	}

	var texts []string
	for _, msg := range env.Messages {
		switch {
		case msg.Text != nil:
			texts = append(texts, msg.Text.Body)
		case msg.Interactive != nil:
			body := msg.Interactive.Body.Body
			for i, btn := range msg.Interactive.Action.Buttons {
				body += fmt.Sprintf("\n%d. %s", i+1, btn.Reply.Title)
			}
			if p := msg.Interactive.Action.Parameters; p != nil {
				body += fmt.Sprintf("\n%s: %s", p.DisplayText, p.URL)
			}
			if msg.Interactive.Footer != nil {
				body += "\n" + msg.Interactive.Footer.Body
			}
			texts = append(texts, body)
		default:
			return nil, fmt.Errorf("unsupported outbound message type %q", msg.Type)
		}
	}
	return texts, nil
}
