package supervisor

import (
	"context"
	"errors"
	"io"
)

// ErrProcessAlreadyAbsent is returned by Process.Kill when the process had
// already exited. The supervisor swallows it.
var ErrProcessAlreadyAbsent = errors.New("process already exited")

// Spec describes what a Runtime launches.
type Spec struct {
	Command string
	Dir     string
	// Output receives the combined stdout/stderr stream.
	Output io.Writer
}

// Runtime spawns the server process. ExecRuntime runs a shell command on the
// host; the docker package provides a container-backed implementation.
type Runtime interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Process is a spawned server.
type Process interface {
	// ID identifies the process for logs: a pid or container id.
	ID() string

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err reports the exit error after Done is closed.
	Err() error

	// Kill force-terminates the process. It returns ErrProcessAlreadyAbsent
	// if the process had already exited.
	Kill(ctx context.Context) error
}

// CommandSender runs a console command on the server. *rcon.Client
// satisfies it.
type CommandSender interface {
	Execute(ctx context.Context, command string) (string, error)
}

// EventSink receives lifecycle and console events. *history.Recorder
// satisfies it.
type EventSink interface {
	Record(ctx context.Context, kind, player, detail string) error
}

type nopSink struct{}

func (nopSink) Record(context.Context, string, string, string) error { return nil }
