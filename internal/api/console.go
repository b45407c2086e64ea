package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/control"
	"github.com/reedfamily/mcctl/internal/supervisor"
)

const consoleWriteTimeout = 10 * time.Second

type ConsoleHandler struct {
	ctl    *control.Controller
	output *supervisor.Output
	log    *zap.Logger
}

func NewConsoleHandler(ctl *control.Controller, output *supervisor.Output, log *zap.Logger) *ConsoleHandler {
	return &ConsoleHandler{ctl: ctl, output: output, log: log}
}

// Handle streams console output to the socket. Each text message received is
// run as an RCON command and its reply is written back.
func (h *ConsoleHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("console websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before replaying so no line falls between the two.
	ch := h.output.Subscribe()
	defer h.output.Unsubscribe(ch)

	var writeMu sync.Mutex
	send := func(line string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(consoleWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	}

	for _, line := range h.output.Lines() {
		if err := send(line); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cmd := strings.TrimSpace(string(msg))
			if cmd == "" {
				continue
			}
			reply, err := h.ctl.Exec(ctx, cmd)
			out := reply.Response
			if err != nil {
				out = reply.Message
			}
			if out == "" {
				continue
			}
			if err := send(out); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := send(line); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
