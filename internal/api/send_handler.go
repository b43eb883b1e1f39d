package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/convstack/botengine/internal/models"
)

// sendRequest is the body of an operator-initiated outbound message.
type sendRequest struct {
	Platform models.PlatformType `json:"platform"`
	To       string              `json:"to"`
	Message  string              `json:"message"`
}

// sendHandler handles POST /send: a one-off text delivery outside any story
// turn, for reminders and announcements. The end user's cursor is untouched.
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: invalid request body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}
	if !models.IsValidPlatform(req.Platform) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown platform"))
		return
	}
	if req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message cannot be empty"))
		return
	}

	if err := s.engine.SendText(r.Context(), req.Platform, req.To, req.Message); err != nil {
		if errors.Is(err, models.ErrEmptyRecipient) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Recipient cannot be empty"))
			return
		}
		slog.Error("Server.sendHandler: send failed", "error", err, "to", req.To, "platform", req.Platform)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent", nil))
}
