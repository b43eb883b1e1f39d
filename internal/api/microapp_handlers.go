package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/convstack/botengine/internal/models"
)

// startMicroAppHandler handles GET /start/{statusID}, the launch link sent to
// the end user when a story suspends into a micro-app. It marks the session
// started and returns its configuration to the micro-app front end.
func (s *Server) startMicroAppHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	statusID := strings.TrimPrefix(r.URL.Path, "/start/")
	if statusID == "" || strings.Contains(statusID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown micro-app session"))
		return
	}

	status, err := s.engine.StartMicroApp(r.Context(), statusID)
	if err != nil {
		if errors.Is(err, models.ErrMicroAppNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Micro-app session not found"))
			return
		}
		slog.Error("Server.startMicroAppHandler: failed to start micro-app", "error", err, "status_id", statusID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start micro-app"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// microAppHandler routes /microapps/{statusID}/complete, the callback a
// micro-app posts when the end user finishes it. Completion resumes the
// suspended story and pushes its next messages to the end user.
func (s *Server) microAppHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/microapps/")
	segments := strings.Split(path, "/")

	if len(segments) == 2 && segments[1] == "complete" && segments[0] != "" {
		s.completeMicroAppHandler(w, r, segments[0])
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown micro-app endpoint"))
}

func (s *Server) completeMicroAppHandler(w http.ResponseWriter, r *http.Request, statusID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	result, err := s.engine.CompleteMicroApp(r.Context(), statusID)
	if err != nil {
		if errors.Is(err, models.ErrMicroAppNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Micro-app session not found"))
			return
		}
		slog.Error("Server.completeMicroAppHandler: failed to complete micro-app", "error", err, "status_id", statusID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to complete micro-app"))
		return
	}

	slog.Info("Server.completeMicroAppHandler: micro-app completed", "status_id", statusID, "delivered", result.Delivered)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Micro-app completed", nil))
}
