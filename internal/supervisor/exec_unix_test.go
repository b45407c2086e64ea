//go:build unix

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecRuntimeCapturesOutput(t *testing.T) {
	out := NewOutput(10, nil)
	p, err := ExecRuntime{Shell: "/bin/sh"}.Spawn(context.Background(), Spec{
		Command: "echo hello; echo oops 1>&2",
		Dir:     t.TempDir(),
		Output:  out,
	})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.NoError(t, p.Err())
	require.ElementsMatch(t, []string{"hello", "oops"}, out.Lines())
	require.ErrorIs(t, p.Kill(context.Background()), ErrProcessAlreadyAbsent)
}

func TestExecRuntimeKillsProcessGroup(t *testing.T) {
	p, err := ExecRuntime{Shell: "/bin/sh"}.Spawn(context.Background(), Spec{
		Command: "sleep 60 & sleep 60",
		Dir:     t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, p.Kill(context.Background()))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived kill")
	}
	require.Error(t, p.Err())
}

func TestExecRuntimeRejectsEmptyCommand(t *testing.T) {
	_, err := ExecRuntime{}.Spawn(context.Background(), Spec{})
	require.Error(t, err)
}
