// Package delivery translates outbound story blocks into channel-specific
// response payloads: WhatsApp message JSON, Messenger Send API JSON, and
// TwiML markup for IVR.
//
// Renderers are pure transforms over blocks; they make no routing decisions
// and perform no persistence. The engine owns which renderer a turn uses.
package delivery

import (
	"fmt"
	"strings"

	"github.com/convstack/botengine/internal/models"
)

// FallbackMessage is the generic degraded response sent when a turn fails
// fatally. Channel renderers wrap it in their own framing.
const FallbackMessage = "Sorry, something went wrong on our side. Please try again in a moment."

// RenderPlainText flattens outbound blocks into a single plain-text message,
// numbering question options so they can be answered by index. Used by
// senders whose transport only carries text (whatsmeow conversation
// messages, Twilio-relayed WhatsApp).
func RenderPlainText(blocks []models.StoryBlock) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block.Message)
		switch block.Type {
		case models.BlockTypeQuestion:
			for n, opt := range block.Options {
				b.WriteString(fmt.Sprintf("\n%d. %s", n+1, opt.Message))
			}
		case models.BlockTypeInteractiveURLButton:
			if block.URL != "" {
				b.WriteString("\n")
				b.WriteString(block.URL)
			}
		}
	}
	return b.String()
}
