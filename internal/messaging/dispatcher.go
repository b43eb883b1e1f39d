package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/convstack/botengine/internal/channel"
	"github.com/convstack/botengine/internal/models"
)

// TurnFunc runs one parsed inbound message through the conversation engine.
type TurnFunc func(ctx context.Context, msg *models.IncomingMessage) error

// ResponseDispatcher drains a WhatsApp service's response and receipt streams
// and feeds each inbound end-user message through the engine. Transports that
// observe traffic directly (the whatsmeow event pump, the Twilio SMS webhook)
// emit raw models.Response values; the dispatcher lifts them into the channel
// payload shape and runs a turn, so those deployments converse without a
// platform webhook in front of them.
type ResponseDispatcher struct {
	svc        Service
	platformID string
	run        TurnFunc
}

// NewResponseDispatcher creates a dispatcher for the given service.
// platformID is the bot-side WhatsApp identity responses are addressed to;
// run is invoked once per inbound message.
func NewResponseDispatcher(svc Service, platformID string, run TurnFunc) *ResponseDispatcher {
	return &ResponseDispatcher{
		svc:        svc,
		platformID: platformID,
		run:        run,
	}
}

// Start begins consuming the service's streams until ctx is cancelled or the
// response channel closes. It returns immediately; processing happens on a
// background goroutine, one response at a time so the engine's turn lease is
// not contended from within a single transport.
func (d *ResponseDispatcher) Start(ctx context.Context) {
	slog.Info("ResponseDispatcher.Start: consuming responses", "platform_id", d.platformID)

	go func() {
		defer slog.Info("ResponseDispatcher: stopped", "platform_id", d.platformID)

		for {
			select {
			case resp, ok := <-d.svc.Responses():
				if !ok {
					return
				}
				if err := d.dispatch(ctx, resp); err != nil {
					slog.Error("ResponseDispatcher: turn failed", "error", err, "from", resp.From)
				}
			case receipt, ok := <-d.svc.Receipts():
				if !ok {
					return
				}
				slog.Debug("ResponseDispatcher: receipt", "to", receipt.To, "status", receipt.Status)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// dispatch converts one raw response into the canonical inbound shape and
// runs the turn. The transport only observes text, so everything is parsed
// as a text message; the engine decides what the text means for the cursor.
func (d *ResponseDispatcher) dispatch(ctx context.Context, resp models.Response) error {
	from, err := d.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		return fmt.Errorf("invalid response sender: %w", err)
	}

	payload := channel.WhatsAppPayload{From: from, To: d.platformID, Type: "text"}
	payload.Text.Body = resp.Body
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode response payload: %w", err)
	}

	parser, ok := channel.Resolve(models.PlatformWhatsApp, models.MessageTypeText)
	if !ok {
		return fmt.Errorf("no parser registered for platform %s", models.PlatformWhatsApp)
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}

	slog.Debug("ResponseDispatcher.dispatch: running turn", "from", from, "message_id", msg.ID)
	return d.run(ctx, msg)
}
