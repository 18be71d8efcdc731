package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/apperror"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps err onto an HTTP status. Server-side failures are logged;
// client mistakes are not.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error, msg string) {
	status := apperror.MapErrorToStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg(msg)
	} else {
		logger.Debug().Err(err).Int("status", status).Msg(msg)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
