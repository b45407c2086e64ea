package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/reedfamily/mcctl/internal/backup"
	"github.com/reedfamily/mcctl/internal/control"
	"github.com/reedfamily/mcctl/internal/query"
	"github.com/reedfamily/mcctl/internal/rcon"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure reports a failed action with the chat-style message alongside
// the underlying error.
func writeFailure(w http.ResponseWriter, err error, message string) {
	body := map[string]string{"error": err.Error()}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, errorStatus(err), body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, control.ErrNotRunning), errors.Is(err, backup.ErrServerRunning):
		return http.StatusConflict
	case errors.Is(err, rcon.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rcon.ErrAuth), errors.Is(err, rcon.ErrUnavailable), errors.Is(err, query.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
