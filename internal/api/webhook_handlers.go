package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/convstack/botengine/internal/channel"
	"github.com/convstack/botengine/internal/models"
)

// whatsAppWebhook mirrors the envelope of a WhatsApp Business webhook
// notification. Only the fields the engine needs are decoded.
type whatsAppWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []json.RawMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// whatsappWebhookHandler handles inbound WhatsApp Business notifications
// (POST /webhook/whatsapp). Each message in the envelope is flattened,
// normalized by the channel parser for its kind, and run through the engine.
func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var hook whatsAppWebhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		slog.Warn("Server.whatsappWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	processed := 0
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			platformID := value.Metadata.PhoneNumberID
			if platformID == "" {
				platformID = value.Metadata.DisplayPhoneNumber
			}
			var name string
			if len(value.Contacts) > 0 {
				name = value.Contacts[0].Profile.Name
			}

			for _, raw := range value.Messages {
				var payload channel.WhatsAppPayload
				if err := json.Unmarshal(raw, &payload); err != nil {
					slog.Warn("Server.whatsappWebhookHandler: malformed message entry", "error", err)
					continue
				}
				payload.To = platformID
				payload.Name = name

				mt := models.MessageTypeText
				if payload.Type == "interactive" {
					mt = models.MessageTypeQuestion
				}
				flattened, err := json.Marshal(payload)
				if err != nil {
					slog.Error("Server.whatsappWebhookHandler: failed to re-encode payload", "error", err)
					continue
				}

				parser, ok := channel.Resolve(models.PlatformWhatsApp, mt)
				if !ok {
					slog.Error("Server.whatsappWebhookHandler: no parser registered", "message_type", mt)
					continue
				}
				msg, err := parser.Parse(flattened)
				if err != nil {
					slog.Warn("Server.whatsappWebhookHandler: message rejected", "error", err)
					continue
				}
				s.runTurn(r.Context(), msg)
				processed++
			}
		}
	}

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Processed", processed))
}

// messengerWebhook mirrors the envelope of a Messenger webhook event.
type messengerWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []json.RawMessage `json:"messaging"`
	} `json:"entry"`
}

// messengerWebhookHandler handles the Messenger webhook
// (GET /webhook/messenger for subscription verification, POST for events).
func (s *Server) messengerWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		s.verifyMessengerSubscription(w, r)
	case http.MethodPost:
		s.handleMessengerEvents(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifyMessengerSubscription answers the Graph API challenge handshake.
func (s *Server) verifyMessengerSubscription(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.opts.MessengerVerifyToken {
		slog.Warn("Server.verifyMessengerSubscription: verification rejected", "mode", q.Get("hub.mode"))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(q.Get("hub.challenge"))); err != nil {
		slog.Error("Server.verifyMessengerSubscription: failed to write challenge", "error", err)
	}
}

func (s *Server) handleMessengerEvents(w http.ResponseWriter, r *http.Request) {
	var hook messengerWebhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		slog.Warn("Server.handleMessengerEvents: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if hook.Object != "page" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unsupported webhook object"))
		return
	}

	processed := 0
	for _, entry := range hook.Entry {
		for _, raw := range entry.Messaging {
			var payload channel.MessengerPayload
			if err := json.Unmarshal(raw, &payload); err != nil {
				slog.Warn("Server.handleMessengerEvents: malformed messaging entry", "error", err)
				continue
			}

			mt := models.MessageTypeText
			if payload.Postback != nil || (payload.Message != nil && payload.Message.QuickReply != nil) {
				mt = models.MessageTypeQuestion
			}

			parser, ok := channel.Resolve(models.PlatformMessenger, mt)
			if !ok {
				slog.Error("Server.handleMessengerEvents: no parser registered", "message_type", mt)
				continue
			}
			msg, err := parser.Parse(raw)
			if err != nil {
				slog.Warn("Server.handleMessengerEvents: event rejected", "error", err)
				continue
			}
			s.runTurn(r.Context(), msg)
			processed++
		}
	}

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Processed", processed))
}

// ivrWebhookHandler handles Twilio voice webhooks (POST /webhook/ivr). The
// rendered TwiML is the HTTP response: the call is on the line waiting for
// it, so this handler is synchronous end to end.
func (s *Server) ivrWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.ivrWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	payload := channel.ConvertIVRPayload(r.Form)
	if payload == nil {
		slog.Warn("Server.ivrWebhookHandler: missing call identity fields")
		http.Error(w, "Missing To/From", http.StatusBadRequest)
		return
	}

	mt := payload.MessageType()
	if mt == models.MessageTypeQuestion {
		options, err := s.pendingQuestionOptions(r, payload.To, payload.From)
		if err != nil {
			slog.Error("Server.ivrWebhookHandler: failed to load pending question", "error", err, "from", payload.From)
		}
		if len(options) == 0 {
			// Digits with no pending question: treat the input as a plain
			// text turn rather than failing the call.
			mt = models.MessageTypeText
		} else {
			payload.Options = options
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Server.ivrWebhookHandler: failed to encode payload", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	parser, ok := channel.Resolve(models.PlatformIVR, mt)
	if !ok {
		slog.Error("Server.ivrWebhookHandler: no parser registered", "message_type", mt)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Warn("Server.ivrWebhookHandler: call rejected", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	result := s.runTurn(r.Context(), msg)
	if result == nil || result.Payload == nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", result.Payload.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Payload.Body); err != nil {
		slog.Error("Server.ivrWebhookHandler: failed to write TwiML", "error", err)
	}
}

// pendingQuestionOptions loads the option list of the question block the
// caller is currently parked on, so gathered digits can be resolved
// positionally.
func (s *Server) pendingQuestionOptions(r *http.Request, platformID, from string) ([]models.BlockOption, error) {
	ctx := r.Context()
	ch, err := s.channels.ResolveChannel(ctx, platformID)
	if err != nil {
		return nil, err
	}
	cursor, err := s.st.GetCursor(ctx, models.EndUserID(models.PlatformIVR, from), ch.OrgID)
	if err != nil || cursor == nil {
		return nil, err
	}
	block, err := s.graph.GetBlockByID(ctx, cursor.OrgID, cursor.Position.StoryID, cursor.Position.BlockID)
	if err != nil {
		return nil, err
	}
	if block.Type != models.BlockTypeQuestion {
		return nil, nil
	}
	return block.Options, nil
}
