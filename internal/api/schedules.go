package api

import (
	"net/http"

	"github.com/reedfamily/mcctl/internal/scheduler"
)

type ScheduleHandler struct {
	sched *scheduler.Scheduler
}

// NewScheduleHandler accepts a nil scheduler when none is configured.
func NewScheduleHandler(sched *scheduler.Scheduler) *ScheduleHandler {
	return &ScheduleHandler{sched: sched}
}

// List returns the configured schedules with their next run.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeJSON(w, http.StatusOK, []scheduler.Schedule{})
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Schedules())
}
