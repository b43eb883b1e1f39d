// Package channel normalizes heterogeneous inbound wire payloads into the
// canonical IncomingMessage consumed by the engine.
//
// Each (platform, message kind) pair has its own parser. Parsers are pure
// transforms: they extract shape, never touch storage, and never decide
// routing. A payload missing its required identity fields is a protocol
// violation, reported via models.ErrProtocolViolation.
package channel

import (
	"encoding/json"
	"log/slog"

	"github.com/convstack/botengine/internal/models"
)

// Parser normalizes one kind of inbound payload for one platform.
type Parser interface {
	Parse(raw json.RawMessage) (*models.IncomingMessage, error)
}

var registry = make(map[models.PlatformType]map[models.MessageType]Parser)

// Register associates a (platform, message kind) pair with a Parser.
func Register(platform models.PlatformType, mt models.MessageType, p Parser) {
	if registry[platform] == nil {
		registry[platform] = make(map[models.MessageType]Parser)
	}
	registry[platform][mt] = p
}

// Resolve retrieves the parser for a message kind on the given platform.
func Resolve(platform models.PlatformType, mt models.MessageType) (Parser, bool) {
	parsers, ok := registry[platform]
	if !ok {
		slog.Debug("channel.Resolve: no parsers for platform", "platform", platform)
		return nil, false
	}
	p, ok := parsers[mt]
	return p, ok
}

// Register default parsers.
func init() {
	Register(models.PlatformWhatsApp, models.MessageTypeText, &WhatsAppTextParser{})
	Register(models.PlatformWhatsApp, models.MessageTypeQuestion, &WhatsAppInteractiveParser{})
	Register(models.PlatformMessenger, models.MessageTypeText, &MessengerTextParser{})
	Register(models.PlatformMessenger, models.MessageTypeQuestion, &MessengerPostbackParser{})
	Register(models.PlatformIVR, models.MessageTypeText, &IVRTextParser{})
	Register(models.PlatformIVR, models.MessageTypeQuestion, &IVRInteractiveParser{})
}
