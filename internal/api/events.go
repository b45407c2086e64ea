package api

import (
	"net/http"
	"strconv"

	"github.com/reedfamily/mcctl/internal/history"
)

type EventHandler struct {
	history *history.Recorder
}

func NewEventHandler(h *history.Recorder) *EventHandler {
	return &EventHandler{history: h}
}

// List returns recent events, newest first. ?limit= defaults to 50.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := h.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}
