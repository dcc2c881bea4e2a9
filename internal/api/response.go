package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// writeJSONResponse writes an APIResponse envelope with the given status
// code. Encoding failures fall back to a plain 500.
func writeJSONResponse(w http.ResponseWriter, status int, resp models.APIResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Error("API: failed to encode response", "error", err)
		http.Error(w, `{"status":"error","message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("API: failed to write response", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, result any) {
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, models.Error(message))
}
