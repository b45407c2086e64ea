// Package control turns user-facing actions into supervisor, RCON and query
// calls and phrases the outcome for chat-style surfaces (HTTP, MCP, CLI).
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/backup"
	"github.com/reedfamily/mcctl/internal/query"
	"github.com/reedfamily/mcctl/internal/rcon"
	"github.com/reedfamily/mcctl/internal/supervisor"
)

// ErrNotRunning is returned by actions that need a supervised server.
var ErrNotRunning = errors.New("server is not online")

const (
	MsgStarting        = "Server starting up..."
	MsgAlreadyStarted  = "Server already started!"
	MsgStopping        = "Stopping server..."
	MsgForceKilling    = "Server took too long to stop, force killing..."
	MsgStopped         = "Server stopped"
	MsgNotOnline       = "Server is not online"
	MsgOffline         = "Server is offline, run `mc-start` to start it"
	MsgOnline          = "Server is online"
	MsgNoPlayers       = "No players online"
	MsgQueryRefused    = "Server refused query, is query enabled?"
	MsgInvalidAuth     = "Invalid Authentication"
	MsgRCONRefused     = "Server refused rcon, is rcon enabled?"
	MsgRestarting      = "Restarting server..."
	execResponseHeader = "Server responded with the following:"
)

// Supervisor is the process lifecycle. *supervisor.Supervisor satisfies it.
type Supervisor interface {
	Start(ctx context.Context) (supervisor.StartOutcome, error)
	Stop(ctx context.Context, grace time.Duration) (supervisor.StopResult, error)
	Restart(ctx context.Context, grace time.Duration) (supervisor.StopResult, error)
	IsRunning() bool
	Info() supervisor.Info
}

// Status reads live server state. *query.Client satisfies it.
type Status interface {
	BasicStatus(ctx context.Context) (*query.Snapshot, error)
	FullQuery(ctx context.Context) (*query.Snapshot, error)
}

// Console runs RCON commands. *rcon.Client satisfies it.
type Console interface {
	Execute(ctx context.Context, command string) (string, error)
}

// Backups creates world archives. *backup.Service satisfies it.
type Backups interface {
	Create(ctx context.Context) (*backup.Backup, error)
}

// EventSink records backups. *history.Recorder satisfies it.
type EventSink interface {
	Record(ctx context.Context, kind, player, detail string) error
}

type Controller struct {
	sup      Supervisor
	status   Status
	console  Console
	backups  Backups
	events   EventSink
	joinAddr string
	log      *zap.Logger
}

// New builds a controller. sup, backups and events may be nil for one-shot
// network commands that run without a supervisor.
func New(sup Supervisor, status Status, console Console, backups Backups, events EventSink, joinAddr string, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		sup:      sup,
		status:   status,
		console:  console,
		backups:  backups,
		events:   events,
		joinAddr: joinAddr,
		log:      log,
	}
}

type StartReply struct {
	Outcome string `json:"outcome"`
	Message string `json:"message"`
}

type StopReply struct {
	Outcome string   `json:"outcome"`
	Forced  bool     `json:"forced"`
	Steps   []string `json:"steps"`
	Message string   `json:"message"`
	// GracefulError is set when the in-game stop command failed.
	GracefulError string `json:"graceful_error,omitempty"`
}

type InfoReply struct {
	Address string `json:"address"`
	Online  bool   `json:"online"`
	Version string `json:"version,omitempty"`
	PingMS  int64  `json:"ping_ms,omitempty"`
	Players string `json:"players,omitempty"`
	MOTD    string `json:"motd,omitempty"`
	// Supervised reports whether this process holds the server handle.
	Supervised bool   `json:"supervised"`
	Message    string `json:"message"`
}

type PlayersReply struct {
	Online  int      `json:"online"`
	Max     int      `json:"max"`
	Names   []string `json:"names"`
	Message string   `json:"message"`
}

type JoinReply struct {
	Address string `json:"address"`
	Message string `json:"message"`
}

type ExecReply struct {
	Command  string `json:"command"`
	Response string `json:"response"`
	Message  string `json:"message"`
}

type BackupReply struct {
	Backup  *backup.Backup `json:"backup,omitempty"`
	Message string         `json:"message"`
}

func (c *Controller) requireSupervisor() error {
	if c.sup == nil {
		return errors.New("no supervisor in this mode")
	}
	return nil
}

func (c *Controller) Start(ctx context.Context) (StartReply, error) {
	if err := c.requireSupervisor(); err != nil {
		return StartReply{}, err
	}
	out, err := c.sup.Start(ctx)
	if err != nil {
		return StartReply{Message: "Server failed to start: " + err.Error()}, err
	}
	reply := StartReply{Outcome: out.String(), Message: MsgStarting}
	if out == supervisor.AlreadyRunning {
		reply.Message = MsgAlreadyStarted
	}
	return reply, nil
}

// Stop stops the server; grace 0 uses the configured timeout.
func (c *Controller) Stop(ctx context.Context, grace time.Duration) (StopReply, error) {
	if err := c.requireSupervisor(); err != nil {
		return StopReply{}, err
	}
	res, err := c.sup.Stop(ctx, grace)
	if err != nil {
		return StopReply{Message: err.Error()}, err
	}
	return stopReply(res), nil
}

func stopReply(res supervisor.StopResult) StopReply {
	reply := StopReply{Outcome: res.Outcome.String(), Forced: res.Forced}
	if res.Outcome == supervisor.NotRunning {
		reply.Steps = []string{MsgNotOnline}
	} else {
		reply.Steps = []string{MsgStopping}
		if res.Forced {
			reply.Steps = append(reply.Steps, MsgForceKilling)
		}
		reply.Steps = append(reply.Steps, MsgStopped)
	}
	if res.GracefulErr != nil {
		reply.GracefulError = res.GracefulErr.Error()
	}
	reply.Message = strings.Join(reply.Steps, "\n")
	return reply
}

func (c *Controller) Restart(ctx context.Context, grace time.Duration) (StopReply, error) {
	if err := c.requireSupervisor(); err != nil {
		return StopReply{}, err
	}
	res, err := c.sup.Restart(ctx, grace)
	reply := stopReply(res)
	reply.Steps = append([]string{MsgRestarting}, reply.Steps...)
	if err != nil {
		reply.Steps = append(reply.Steps, "Server failed to start: "+err.Error())
	} else {
		reply.Steps = append(reply.Steps, MsgStarting)
	}
	reply.Message = strings.Join(reply.Steps, "\n")
	return reply, err
}

// Info reports reachability through the status ping. It does not require the
// server to be supervised by this process.
func (c *Controller) Info(ctx context.Context) InfoReply {
	reply := InfoReply{Address: c.joinAddr}
	if c.sup != nil {
		reply.Supervised = c.sup.IsRunning()
	}
	snap, err := c.status.BasicStatus(ctx)
	if err != nil {
		reply.Message = MsgOffline
		return reply
	}
	reply.Online = true
	reply.Version = snap.Version
	reply.PingMS = snap.Latency.Milliseconds()
	reply.Players = fmt.Sprintf("%d out of %d", snap.OnlineCount, snap.MaxCount)
	reply.MOTD = snap.MOTD
	reply.Message = fmt.Sprintf("%s\nAddress: %s\nVersion: %s\nPing: %d ms\nPlayers: %s",
		MsgOnline, reply.Address, reply.Version, reply.PingMS, reply.Players)
	return reply
}

// Players lists who is online via the query protocol.
func (c *Controller) Players(ctx context.Context) (PlayersReply, error) {
	if c.sup != nil && !c.sup.IsRunning() {
		return PlayersReply{Names: []string{}, Message: MsgNotOnline}, ErrNotRunning
	}
	snap, err := c.status.FullQuery(ctx)
	if err != nil {
		return PlayersReply{Names: []string{}, Message: MsgQueryRefused}, err
	}
	reply := PlayersReply{Online: snap.OnlineCount, Max: snap.MaxCount, Names: snap.PlayerNames}
	if len(snap.PlayerNames) == 0 {
		reply.Message = MsgNoPlayers
		return reply, nil
	}
	reply.Message = fmt.Sprintf("%d out of %d online,\n```\n%s\n```",
		snap.OnlineCount, snap.MaxCount, strings.Join(snap.PlayerNames, "\n"))
	return reply, nil
}

func (c *Controller) Join() JoinReply {
	return JoinReply{
		Address: c.joinAddr,
		Message: fmt.Sprintf("The server can be joined by typing `%s` as the server address", c.joinAddr),
	}
}

// Exec runs a console command over RCON.
func (c *Controller) Exec(ctx context.Context, command string) (ExecReply, error) {
	reply := ExecReply{Command: command}
	if c.sup != nil && !c.sup.IsRunning() {
		reply.Message = MsgNotOnline
		return reply, ErrNotRunning
	}
	resp, err := c.console.Execute(ctx, command)
	if err != nil {
		switch {
		case errors.Is(err, rcon.ErrAuth):
			reply.Message = MsgInvalidAuth
		case errors.Is(err, rcon.ErrInvalidCommand):
			reply.Message = err.Error()
		default:
			reply.Message = MsgRCONRefused
		}
		return reply, err
	}
	reply.Response = resp
	if resp != "" {
		reply.Message = fmt.Sprintf("%s\n```\n%s\n```", execResponseHeader, resp)
	}
	return reply, nil
}

func (c *Controller) Backup(ctx context.Context) (BackupReply, error) {
	if c.backups == nil {
		return BackupReply{}, errors.New("backups are not configured")
	}
	b, err := c.backups.Create(ctx)
	if err != nil {
		c.log.Error("backup failed", zap.Error(err))
		return BackupReply{Message: "Backup failed: " + err.Error()}, err
	}
	if c.events != nil {
		if err := c.events.Record(ctx, "backup", "", b.Filename); err != nil {
			c.log.Warn("record backup event", zap.Error(err))
		}
	}
	return BackupReply{
		Backup:  b,
		Message: fmt.Sprintf("Backup %s created (%d bytes)", b.Filename, b.SizeBytes),
	}, nil
}

// RunAction dispatches a named action: start, stop, restart, backup or
// exec:<command>.
func (c *Controller) RunAction(ctx context.Context, action string) (string, error) {
	switch action {
	case "start":
		r, err := c.Start(ctx)
		return r.Message, err
	case "stop":
		r, err := c.Stop(ctx, 0)
		return r.Message, err
	case "restart":
		r, err := c.Restart(ctx, 0)
		return r.Message, err
	case "backup":
		r, err := c.Backup(ctx)
		return r.Message, err
	}
	if cmd, ok := strings.CutPrefix(action, "exec:"); ok {
		r, err := c.Exec(ctx, strings.TrimSpace(cmd))
		return r.Message, err
	}
	return "", fmt.Errorf("unknown action %q", action)
}
