package supervisor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/game/minecraft"
)

type fakeProcess struct {
	id       string
	done     chan struct{}
	exitOnce sync.Once
	kills    atomic.Int32
	// stubborn processes ignore SIGKILL until the test lets them go.
	stubborn bool
}

func newFakeProcess(id string) *fakeProcess {
	return &fakeProcess{id: id, done: make(chan struct{})}
}

func (p *fakeProcess) ID() string            { return p.id }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) exit() { p.exitOnce.Do(func() { close(p.done) }) }

func (p *fakeProcess) Kill(context.Context) error {
	select {
	case <-p.done:
		return ErrProcessAlreadyAbsent
	default:
	}
	p.kills.Add(1)
	if !p.stubborn {
		p.exit()
	}
	return nil
}

type fakeRuntime struct {
	mu     sync.Mutex
	procs  []*fakeProcess
	err    error
	spawns int
}

func (r *fakeRuntime) Spawn(_ context.Context, spec Spec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns++
	if r.err != nil {
		return nil, r.err
	}
	p := newFakeProcess("fake-" + strconv.Itoa(r.spawns))
	if spec.Output != nil {
		_, _ = spec.Output.Write([]byte("[Server thread/INFO]: Starting minecraft server\n"))
	}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRuntime) last() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[len(r.procs)-1]
}

// fakeConsole obeys "stop" by making the current process exit after delay.
type fakeConsole struct {
	rt       *fakeRuntime
	err      error
	obey     bool
	delay    time.Duration
	commands atomic.Int32
}

func (c *fakeConsole) Execute(_ context.Context, command string) (string, error) {
	c.commands.Add(1)
	if c.err != nil {
		return "", c.err
	}
	if command == "stop" && c.obey {
		p := c.rt.last()
		time.AfterFunc(c.delay, p.exit)
	}
	return "", nil
}

type recordedEvent struct{ kind, player, detail string }

type memSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *memSink) Record(_ context.Context, kind, player, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{kind, player, detail})
	return nil
}

func (m *memSink) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.kind)
	}
	return out
}

func newTestSupervisor(t *testing.T, console *fakeConsole, rt *fakeRuntime, sink *memSink) *Supervisor {
	t.Helper()
	cfg := Config{Command: "java -jar server.jar", Dir: t.TempDir(), StopTimeout: time.Second}
	// watchExit may log after the test returns, so no zaptest logger here.
	return New(cfg, rt, console, minecraft.Adapter{}, sink, zap.NewNop())
}

func TestStartIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, &memSink{})

	out, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, Started, out)
	require.True(t, s.IsRunning())

	out, err = s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, AlreadyRunning, out)
	require.Equal(t, 1, rt.spawns)
	require.Equal(t, []string{"[Server thread/INFO]: Starting minecraft server"}, s.Output().Lines())
}

func TestStartSpawnFailureLeavesAbsent(t *testing.T) {
	rt := &fakeRuntime{err: errors.New("exec: \"java\": executable file not found")}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.ErrorContains(t, err, "executable file not found")
	require.False(t, s.IsRunning())
}

func TestStopGracefulDoesNotKill(t *testing.T) {
	rt := &fakeRuntime{}
	sink := &memSink{}
	console := &fakeConsole{rt: rt, obey: true, delay: 20 * time.Millisecond}
	s := newTestSupervisor(t, console, rt, sink)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	p := rt.last()

	res, err := s.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, Stopped, res.Outcome)
	require.False(t, res.Forced)
	require.NoError(t, res.GracefulErr)
	require.Zero(t, p.kills.Load())
	require.False(t, s.IsRunning())
	require.Contains(t, sink.kinds(), EventStop)
	require.NotContains(t, sink.kinds(), EventForcedKill)
}

func TestStopTimeoutKillsOnce(t *testing.T) {
	rt := &fakeRuntime{}
	sink := &memSink{}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, sink)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	p := rt.last()

	start := time.Now()
	res, err := s.Stop(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.True(t, res.Forced)
	require.Equal(t, int32(1), p.kills.Load())
	require.False(t, s.IsRunning())
	require.Contains(t, sink.kinds(), EventForcedKill)
}

func TestStopUsesConfiguredTimeoutWhenGraceIsZero(t *testing.T) {
	rt := &fakeRuntime{}
	cfg := Config{Command: "run", StopTimeout: 30 * time.Millisecond}
	s := New(cfg, rt, &fakeConsole{rt: rt}, minecraft.Adapter{}, nil, nil)

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	res, err := s.Stop(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, res.Forced)
}

func TestStopWhenNotRunning(t *testing.T) {
	rt := &fakeRuntime{}
	console := &fakeConsole{rt: rt}
	s := newTestSupervisor(t, console, rt, &memSink{})

	res, err := s.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, NotRunning, res.Outcome)
	require.Zero(t, console.commands.Load())
}

func TestStopConsoleFailureStillEndsAbsent(t *testing.T) {
	rt := &fakeRuntime{}
	console := &fakeConsole{rt: rt, err: errors.New("connection refused")}
	s := newTestSupervisor(t, console, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	p := rt.last()

	res, err := s.Stop(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.ErrorContains(t, res.GracefulErr, "connection refused")
	require.True(t, res.Forced)
	require.Equal(t, int32(1), p.kills.Load())
	require.False(t, s.IsRunning())
}

func TestStopProcessExitedBeforeKill(t *testing.T) {
	rt := &fakeRuntime{}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	p := rt.last()
	p.exit()

	res, err := s.Stop(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, res.Forced)
	require.NoError(t, res.KillErr)
	require.False(t, s.IsRunning())
}

func TestStopUnreapedProcessStillClearsHandle(t *testing.T) {
	rt := &fakeRuntime{}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	p := rt.last()
	p.stubborn = true
	t.Cleanup(p.exit)

	res, err := s.Stop(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Forced)
	require.Equal(t, int32(1), p.kills.Load())
	require.False(t, s.IsRunning())
}

func TestStopOutlivesCallerContext(t *testing.T) {
	rt := &fakeRuntime{}
	console := &fakeConsole{rt: rt, obey: true, delay: 150 * time.Millisecond}
	s := newTestSupervisor(t, console, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	p := rt.last()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := s.Stop(ctx, 2*time.Second)
	require.NoError(t, err)
	require.False(t, res.Forced)
	require.NoError(t, res.GracefulErr)
	require.Zero(t, p.kills.Load())
	require.Equal(t, int32(1), console.commands.Load())
	require.False(t, s.IsRunning())
}

func TestStopWithCancelledContextStillSendsStop(t *testing.T) {
	rt := &fakeRuntime{}
	console := &fakeConsole{rt: rt, obey: true, delay: 10 * time.Millisecond}
	s := newTestSupervisor(t, console, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	p := rt.last()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Stop(ctx, time.Second)
	require.NoError(t, err)
	require.False(t, res.Forced)
	require.Zero(t, p.kills.Load())
}

func TestRestartWithCancelledContext(t *testing.T) {
	rt := &fakeRuntime{}
	console := &fakeConsole{rt: rt, obey: true}
	s := newTestSupervisor(t, console, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Restart(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, Stopped, res.Outcome)
	require.True(t, s.IsRunning())
	require.Equal(t, 2, rt.spawns)
}

func TestConcurrentStops(t *testing.T) {
	rt := &fakeRuntime{}
	console := &fakeConsole{rt: rt, obey: true, delay: 30 * time.Millisecond}
	s := newTestSupervisor(t, console, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]StopResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Stop(context.Background(), time.Second)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	outcomes := []StopOutcome{results[0].Outcome, results[1].Outcome}
	require.ElementsMatch(t, []StopOutcome{Stopped, NotRunning}, outcomes)
	require.Equal(t, int32(1), console.commands.Load())
}

func TestIsRunningDuringStop(t *testing.T) {
	rt := &fakeRuntime{}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_, _ = s.Stop(context.Background(), 300*time.Millisecond)
	}()

	time.Sleep(50 * time.Millisecond)
	checked := make(chan bool, 1)
	go func() { checked <- s.IsRunning() }()
	select {
	case running := <-checked:
		require.True(t, running)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("IsRunning blocked behind Stop")
	}
	<-stopped
	require.False(t, s.IsRunning())
}

func TestRestart(t *testing.T) {
	rt := &fakeRuntime{}
	console := &fakeConsole{rt: rt, obey: true}
	s := newTestSupervisor(t, console, rt, &memSink{})

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	first := rt.last()

	res, err := s.Restart(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, Stopped, res.Outcome)
	require.True(t, s.IsRunning())
	require.NotSame(t, first, rt.last())
	require.Equal(t, "fake-2", s.Info().ID)
}

func TestNaturalExitKeepsHandle(t *testing.T) {
	rt := &fakeRuntime{}
	sink := &memSink{}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, sink)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	rt.last().exit()

	require.Eventually(t, func() bool { return s.Info().Exited }, time.Second, 10*time.Millisecond)
	require.True(t, s.IsRunning())
	require.Eventually(t, func() bool {
		for _, k := range sink.kinds() {
			if k == EventExit {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestConsoleLinesBecomeEvents(t *testing.T) {
	rt := &fakeRuntime{}
	sink := &memSink{}
	s := newTestSupervisor(t, &fakeConsole{rt: rt}, rt, sink)

	_, err := s.Output().Write([]byte("[12:00:00] [Server thread/INFO]: Steve joined the game\n"))
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	require.Equal(t, recordedEvent{kind: "player_join", player: "Steve", detail: ""}, sink.events[0])
}
