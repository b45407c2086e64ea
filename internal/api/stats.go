package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/monitor"
)

type StatsHandler struct {
	monitor *monitor.Monitor
	log     *zap.Logger
}

func NewStatsHandler(m *monitor.Monitor, log *zap.Logger) *StatsHandler {
	return &StatsHandler{monitor: m, log: log}
}

// Latest returns the most recent status sample.
func (h *StatsHandler) Latest(w http.ResponseWriter, r *http.Request) {
	s := h.monitor.Latest()
	if s == nil {
		writeError(w, http.StatusNotFound, "no stats available")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// History returns samples for a time range, e.g. ?period=6h.
func (h *StatsHandler) History(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1h"
	}

	duration, err := time.ParseDuration(period)
	if err != nil || duration <= 0 {
		writeError(w, http.StatusBadRequest, "invalid period: use format like 1h, 6h, 24h")
		return
	}

	samples, err := h.monitor.History(r.Context(), time.Now().Add(-duration))
	if err != nil {
		h.log.Error("query samples", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query stats")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// Live pushes a sample over WebSocket every time the monitor produces one.
func (h *StatsHandler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("stats websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.monitor.Subscribe()
	defer h.monitor.Unsubscribe(ch)

	// Send latest immediately if available
	if latest := h.monitor.Latest(); latest != nil {
		if err := conn.WriteJSON(latest); err != nil {
			return
		}
	}

	// Read from client to detect disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(s); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
