// Package supervisor owns the game server process. Whether the server is
// "running" is decided by whether the supervisor holds a process handle, not
// by inspecting the process or the network; use the query package to find out
// if the server is actually reachable.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/game"
)

// reapTimeout bounds how long Stop waits for a killed process to be reaped.
const reapTimeout = 5 * time.Second

// Event kinds recorded by the supervisor.
const (
	EventStart      = "start"
	EventStop       = "stop"
	EventForcedKill = "forced_kill"
	EventExit       = "exit"
)

type StartOutcome int

const (
	Started StartOutcome = iota + 1
	AlreadyRunning
)

func (o StartOutcome) String() string {
	switch o {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already_running"
	default:
		return "unknown"
	}
}

type StopOutcome int

const (
	Stopped StopOutcome = iota + 1
	NotRunning
)

func (o StopOutcome) String() string {
	switch o {
	case Stopped:
		return "stopped"
	case NotRunning:
		return "not_running"
	default:
		return "unknown"
	}
}

// StopResult describes how a Stop call ended.
type StopResult struct {
	Outcome StopOutcome
	// GracefulErr is the failure of the in-game stop command, if any. Stop
	// continues to the wait and kill steps regardless.
	GracefulErr error
	// Forced is true when the process outlived the grace period and was
	// killed.
	Forced bool
	// KillErr is a kill failure other than the process having already
	// exited. The handle is cleared anyway.
	KillErr error
}

// Info describes the held handle.
type Info struct {
	Running   bool      `json:"running"`
	ID        string    `json:"id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Exited    bool      `json:"exited"`
}

type Config struct {
	Command     string
	Dir         string
	StopTimeout time.Duration
	OutputLines int
}

type handle struct {
	proc      Process
	startedAt time.Time
}

type Supervisor struct {
	cfg     Config
	runtime Runtime
	console CommandSender
	adapter game.Adapter
	events  EventSink
	log     *zap.Logger
	output  *Output

	// opMu serializes Start and Stop. mu guards handle only, so IsRunning
	// and Info never wait behind a Stop's grace period.
	opMu   sync.Mutex
	mu     sync.RWMutex
	handle *handle
}

// New creates a supervisor. events may be nil.
func New(cfg Config, runtime Runtime, console CommandSender, adapter game.Adapter, events EventSink, log *zap.Logger) *Supervisor {
	if events == nil {
		events = nopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		cfg:     cfg,
		runtime: runtime,
		console: console,
		adapter: adapter,
		events:  events,
		log:     log,
	}
	s.output = NewOutput(cfg.OutputLines, s.handleLine)
	return s
}

// IsRunning reports whether a handle is held.
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle != nil
}

func (s *Supervisor) Info() Info {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == nil {
		return Info{}
	}
	info := Info{Running: true, ID: h.proc.ID(), StartedAt: h.startedAt}
	select {
	case <-h.proc.Done():
		info.Exited = true
	default:
	}
	return info
}

// Output exposes the captured console.
func (s *Supervisor) Output() *Output { return s.output }

// Start spawns the server unless a handle is already held.
func (s *Supervisor) Start(ctx context.Context) (StartOutcome, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.IsRunning() {
		return AlreadyRunning, nil
	}

	s.output.Reset()
	proc, err := s.runtime.Spawn(ctx, Spec{
		Command: s.cfg.Command,
		Dir:     s.cfg.Dir,
		Output:  s.output,
	})
	if err != nil {
		s.log.Error("failed to start server", zap.String("command", s.cfg.Command), zap.Error(err))
		return 0, fmt.Errorf("spawn server: %w", err)
	}

	h := &handle{proc: proc, startedAt: time.Now()}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.log.Info("server started", zap.String("process", proc.ID()), zap.String("dir", s.cfg.Dir))
	s.record(ctx, EventStart, "", proc.ID())
	go s.watchExit(h)
	return Started, nil
}

// Stop shuts the server down: the in-game stop command, a bounded wait of
// grace (the configured timeout when zero), then a forced kill if the process
// is still alive. The handle is cleared on every path once a handle was held.
// Once a handle is held the sequence runs to completion: cancelling ctx does
// not shorten the grace wait. It is bounded by grace, the console timeout and
// the reap budget.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) (StopResult, error) {
	ctx = context.WithoutCancel(ctx)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h == nil {
		return StopResult{Outcome: NotRunning}, nil
	}
	defer func() {
		s.mu.Lock()
		s.handle = nil
		s.mu.Unlock()
	}()

	if grace <= 0 {
		grace = s.cfg.StopTimeout
	}
	log := s.log.With(zap.String("process", h.proc.ID()), zap.Duration("grace", grace))
	res := StopResult{Outcome: Stopped}

	// The stop command completes or fails before the wait starts.
	if _, err := s.console.Execute(ctx, s.adapter.StopCommand()); err != nil {
		res.GracefulErr = err
		log.Warn("graceful stop command failed, waiting before forced kill", zap.Error(err))
	} else {
		log.Info("stop command sent")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	exited := false
	select {
	case <-h.proc.Done():
		exited = true
	case <-timer.C:
	}

	if !exited {
		res.Forced, res.KillErr = s.kill(ctx, h, log)
	}

	if res.Forced {
		s.record(ctx, EventForcedKill, "", fmt.Sprintf("did not exit within %s", grace))
	}
	s.record(ctx, EventStop, "", h.proc.ID())
	log.Info("server stopped", zap.Bool("forced", res.Forced))
	return res, nil
}

func (s *Supervisor) kill(ctx context.Context, h *handle, log *zap.Logger) (bool, error) {
	killCtx, cancel := context.WithTimeout(ctx, reapTimeout)
	defer cancel()

	err := h.proc.Kill(killCtx)
	if errors.Is(err, ErrProcessAlreadyAbsent) {
		return false, nil
	}
	if err != nil {
		log.Error("forced kill failed", zap.Error(err))
		return false, err
	}
	log.Warn("server took too long to stop, force killed")

	select {
	case <-h.proc.Done():
	case <-killCtx.Done():
		log.Warn("killed process not reaped in time")
	}
	return true, nil
}

// Restart stops the server if it is running and starts it again. Like Stop,
// it is not interrupted by cancelling ctx: a restart never leaves the server
// down because the caller went away.
func (s *Supervisor) Restart(ctx context.Context, grace time.Duration) (StopResult, error) {
	ctx = context.WithoutCancel(ctx)
	res, err := s.Stop(ctx, grace)
	if err != nil {
		return res, err
	}
	if _, err := s.Start(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// watchExit logs natural exits. It does not clear the handle: only Stop does.
func (s *Supervisor) watchExit(h *handle) {
	<-h.proc.Done()

	s.mu.RLock()
	current := s.handle == h
	s.mu.RUnlock()

	fields := []zap.Field{zap.String("process", h.proc.ID()), zap.Duration("uptime", time.Since(h.startedAt))}
	if err := h.proc.Err(); err != nil {
		fields = append(fields, zap.Error(err))
	}
	if current {
		s.log.Info("server process exited", fields...)
	} else {
		s.log.Debug("server process exited after stop", fields...)
	}
	detail := "exited"
	if err := h.proc.Err(); err != nil {
		detail = err.Error()
	}
	s.record(context.Background(), EventExit, "", detail)
}

func (s *Supervisor) handleLine(line string) {
	ev := s.adapter.ParseLogLine(line)
	if ev == nil {
		return
	}
	switch ev.Type {
	case game.EventPlayerJoin, game.EventPlayerLeave, game.EventReady, game.EventError:
		s.log.Info("console event", zap.String("type", ev.Type), zap.String("player", ev.Player), zap.String("message", ev.Message))
	}
	s.record(context.Background(), ev.Type, ev.Player, ev.Message)
}

func (s *Supervisor) record(ctx context.Context, kind, player, detail string) {
	if err := s.events.Record(context.WithoutCancel(ctx), kind, player, detail); err != nil {
		s.log.Warn("record event", zap.String("kind", kind), zap.Error(err))
	}
}
