package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope wraps every JSON body the gateway emits. Clients check "error"
// first; "data" is only meaningful when "error" is empty.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	respond(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, envelope{Error: msg})
}

func respond(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		// Headers are already out; all that is left is to log it.
		slog.Error("encoding monitor response", "error", err)
	}
}
