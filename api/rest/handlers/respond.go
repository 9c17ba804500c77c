package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"lora-orchestrator/core/apperrors"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// handleError converts a service error into a response. summary names the
// failed operation; the error itself goes into details.
func handleError(w http.ResponseWriter, r *http.Request, summary string, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), summary, "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), summary, "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, summary, err.Error())
}
