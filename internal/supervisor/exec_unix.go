//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecRuntime launches the server with the user's shell in its own process
// group, so a forced kill also takes down the JVM a start script forks.
type ExecRuntime struct {
	Shell string
}

func (r ExecRuntime) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

func (r ExecRuntime) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, errors.New("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(r.shell(), "-c", spec.Command)
	cmd.Dir = spec.Dir
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	killOnce sync.Once
}

func (p *execProcess) ID() string { return "pid " + strconv.Itoa(p.cmd.Process.Pid) }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Kill(_ context.Context) error {
	select {
	case <-p.done:
		return ErrProcessAlreadyAbsent
	default:
	}

	var err error
	p.killOnce.Do(func() {
		// Negative pid signals the whole process group.
		err = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			err = p.cmd.Process.Kill()
		}
	})
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, unix.ESRCH) {
		return ErrProcessAlreadyAbsent
	}
	return err
}
