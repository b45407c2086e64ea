// Package scheduler runs lifecycle actions on cron schedules configured with
// MC_SCHEDULES, e.g. "0 4 * * *=restart;@every 6h=backup".
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionBackup  = "backup"
	execPrefix    = "exec:"
)

// actionTimeout bounds one scheduled run, including a graceful stop.
const actionTimeout = 10 * time.Minute

// Runner performs the scheduled actions. *control.Controller satisfies it.
type Runner interface {
	RunAction(ctx context.Context, action string) (string, error)
}

// EventSink records each run. *history.Recorder satisfies it.
type EventSink interface {
	Record(ctx context.Context, kind, player, detail string) error
}

type Schedule struct {
	CronExpr string    `json:"cron_expr"`
	Action   string    `json:"action"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	events EventSink
	log    *zap.Logger

	mu      sync.Mutex
	entries []entry
}

type entry struct {
	id      cron.EntryID
	expr    string
	action  string
	lastErr string
}

// Parse splits a MC_SCHEDULES value into (cron expression, action) pairs.
func Parse(s string) ([][2]string, error) {
	var out [][2]string
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		expr, action, ok := strings.Cut(item, "=")
		expr, action = strings.TrimSpace(expr), strings.TrimSpace(action)
		if !ok || expr == "" || action == "" {
			return nil, fmt.Errorf("schedule %q: want <cron>=<action>", item)
		}
		if err := validateAction(action); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", item, err)
		}
		out = append(out, [2]string{expr, action})
	}
	return out, nil
}

func validateAction(action string) error {
	switch action {
	case ActionStart, ActionStop, ActionRestart, ActionBackup:
		return nil
	}
	if cmd, ok := strings.CutPrefix(action, execPrefix); ok {
		if strings.TrimSpace(cmd) == "" {
			return errors.New("exec action needs a command")
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", action)
}

// New parses spec and registers every entry. Standard five-field expressions
// and descriptors such as @daily or @every 1h are accepted.
func New(spec string, runner Runner, events EventSink, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pairs, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{log.Sugar()})),
		runner: runner,
		events: events,
		log:    log,
	}
	for _, p := range pairs {
		expr, action := p[0], p[1]
		idx := len(s.entries)
		id, err := s.cron.AddFunc(expr, func() { s.run(idx) })
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", expr, err)
		}
		s.entries = append(s.entries, entry{id: id, expr: expr, action: action})
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("schedules", len(s.entries)))
}

// Stop halts the cron loop and waits for running actions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run(idx int) {
	s.mu.Lock()
	e := s.entries[idx]
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	log := s.log.With(zap.String("schedule", e.expr), zap.String("action", e.action))
	log.Info("running scheduled action")
	msg, err := s.runner.RunAction(ctx, e.action)

	detail := e.action + ": " + msg
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
		detail = e.action + " failed: " + lastErr
		log.Error("scheduled action failed", zap.Error(err))
	}
	s.mu.Lock()
	s.entries[idx].lastErr = lastErr
	s.mu.Unlock()

	if s.events != nil {
		if err := s.events.Record(ctx, "schedule", "", detail); err != nil {
			log.Warn("record schedule event", zap.Error(err))
		}
	}
}

// Schedules lists the configured entries with their next and previous run.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Schedule{
			CronExpr: e.expr,
			Action:   e.action,
			Next:     ce.Next,
			Prev:     ce.Prev,
			LastErr:  e.lastErr,
		})
	}
	return out
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
