package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/reedfamily/mcctl/internal/control"
	"github.com/reedfamily/mcctl/internal/supervisor"
)

type ServerHandler struct {
	ctl    *control.Controller
	sup    *supervisor.Supervisor
	output *supervisor.Output
}

func NewServerHandler(ctl *control.Controller, sup *supervisor.Supervisor) *ServerHandler {
	return &ServerHandler{ctl: ctl, sup: sup, output: sup.Output()}
}

type serverState struct {
	Process supervisor.Info   `json:"process"`
	Status  control.InfoReply `json:"status"`
}

// Get returns the held process and the live status ping.
func (h *ServerHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverState{
		Process: h.sup.Info(),
		Status:  h.ctl.Info(r.Context()),
	})
}

func (h *ServerHandler) Start(w http.ResponseWriter, r *http.Request) {
	reply, err := h.ctl.Start(r.Context())
	if err != nil {
		writeFailure(w, err, reply.Message)
		return
	}
	status := http.StatusAccepted
	if reply.Outcome == supervisor.AlreadyRunning.String() {
		status = http.StatusOK
	}
	writeJSON(w, status, reply)
}

// Stop accepts an optional grace period, e.g. ?grace=30s.
func (h *ServerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	grace, ok := parseGrace(w, r)
	if !ok {
		return
	}
	reply, err := h.ctl.Stop(r.Context(), grace)
	if err != nil {
		writeFailure(w, err, reply.Message)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *ServerHandler) Restart(w http.ResponseWriter, r *http.Request) {
	grace, ok := parseGrace(w, r)
	if !ok {
		return
	}
	reply, err := h.ctl.Restart(r.Context(), grace)
	if err != nil {
		writeFailure(w, err, reply.Message)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func parseGrace(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	v := r.URL.Query().Get("grace")
	if v == "" {
		return 0, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		writeError(w, http.StatusBadRequest, "invalid grace: use a duration like 10s")
		return 0, false
	}
	return d, true
}

func (h *ServerHandler) Players(w http.ResponseWriter, r *http.Request) {
	reply, err := h.ctl.Players(r.Context())
	if err != nil {
		writeFailure(w, err, reply.Message)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *ServerHandler) Join(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Join())
}

func (h *ServerHandler) Exec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}
	reply, err := h.ctl.Exec(r.Context(), req.Command)
	if err != nil {
		writeFailure(w, err, reply.Message)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// Output returns the captured console lines, oldest first.
func (h *ServerHandler) Output(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"lines": h.output.Lines()})
}
