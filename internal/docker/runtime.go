package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/supervisor"
)

// DataMount is where the working directory is mounted inside the container.
const DataMount = "/data"

// Engine is the subset of the docker API the runtime drives. *Client
// satisfies it.
type Engine interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	ContainerLogs(ctx context.Context, id string, tail string) (io.ReadCloser, error)
	WaitContainer(ctx context.Context, id string) (int64, error)
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

type RuntimeConfig struct {
	Image string
	Name  string
	// Cmd overrides the image entrypoint's arguments. Empty keeps the image
	// default.
	Cmd         []string
	Env         map[string]string
	Ports       []PortMapping
	MemoryLimit int64
}

// Runtime runs the server as a container. The exec launch command is not
// used: the image's entrypoint starts the server, with RuntimeConfig.Cmd as
// its arguments when set.
type Runtime struct {
	engine Engine
	cfg    RuntimeConfig
	log    *zap.Logger
}

var (
	_ supervisor.Runtime = (*Runtime)(nil)
	_ Engine             = (*Client)(nil)
)

func NewRuntime(engine Engine, cfg RuntimeConfig, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{engine: engine, cfg: cfg, log: log}
}

// MinecraftPorts publishes the game and RCON ports over TCP and the query
// port over UDP on the same host ports.
func MinecraftPorts(game, query, rcon int) []PortMapping {
	return ParsePortMappings([]string{
		portSpec(game, "tcp"),
		portSpec(query, "udp"),
		portSpec(rcon, "tcp"),
	})
}

// MinecraftEnv configures the itzg/minecraft-server image to accept the
// EULA and enable RCON and query on the configured ports.
func MinecraftEnv(gamePort, queryPort, rconPort int, rconPassword string) map[string]string {
	return map[string]string{
		"EULA":          "TRUE",
		"SERVER_PORT":   strconv.Itoa(gamePort),
		"ENABLE_QUERY":  "true",
		"QUERY_PORT":    strconv.Itoa(queryPort),
		"ENABLE_RCON":   "true",
		"RCON_PORT":     strconv.Itoa(rconPort),
		"RCON_PASSWORD": rconPassword,
	}
}

func portSpec(port int, proto string) string {
	p := strconv.Itoa(port)
	return p + ":" + p + "/" + proto
}

func (r *Runtime) Spawn(ctx context.Context, spec supervisor.Spec) (supervisor.Process, error) {
	// A container left behind by a previous run would block the name.
	if err := r.engine.RemoveContainer(ctx, r.cfg.Name); err != nil && !errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("remove stale container: %w", err)
	}
	if err := r.engine.PullImage(ctx, r.cfg.Image); err != nil {
		r.log.Warn("image pull failed, using local image", zap.String("image", r.cfg.Image), zap.Error(err))
	}

	id, err := r.engine.CreateContainer(ctx, ContainerConfig{
		Name:        r.cfg.Name,
		Image:       r.cfg.Image,
		Cmd:         r.cfg.Cmd,
		Env:         r.cfg.Env,
		Ports:       r.cfg.Ports,
		Volumes:     map[string]string{spec.Dir: DataMount},
		MemoryLimit: r.cfg.MemoryLimit,
	})
	if err != nil {
		return nil, err
	}
	if err := r.engine.StartContainer(ctx, id); err != nil {
		if rmErr := r.engine.RemoveContainer(context.WithoutCancel(ctx), id); rmErr != nil {
			r.log.Warn("remove failed container", zap.String("container", shortID(id)), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("start container: %w", err)
	}

	logCtx, stopLogs := context.WithCancel(context.Background())
	p := &containerProcess{
		engine: r.engine,
		id:     id,
		done:   make(chan struct{}),
	}
	if spec.Output != nil {
		go r.pumpLogs(logCtx, id, spec.Output)
	}
	go func() {
		defer stopLogs()
		code, err := r.engine.WaitContainer(context.Background(), id)
		if err == nil && code != 0 {
			err = fmt.Errorf("container exited with status %d", code)
		}
		p.err = err
		close(p.done)

		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.engine.RemoveContainer(rmCtx, id); err != nil && !errdefs.IsNotFound(err) {
			r.log.Warn("remove container", zap.String("container", shortID(id)), zap.Error(err))
		}
	}()
	return p, nil
}

func (r *Runtime) pumpLogs(ctx context.Context, id string, out io.Writer) {
	logs, err := r.engine.ContainerLogs(ctx, id, "all")
	if err != nil {
		r.log.Warn("attach container logs", zap.String("container", shortID(id)), zap.Error(err))
		return
	}
	defer logs.Close()
	// TTY containers stream raw output, no stdcopy demultiplexing needed.
	if _, err := io.Copy(out, logs); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Debug("container log stream ended", zap.String("container", shortID(id)), zap.Error(err))
	}
}

type containerProcess struct {
	engine Engine
	id     string
	done   chan struct{}
	err    error

	killMu sync.Mutex
	killed bool
}

func (p *containerProcess) ID() string { return "container " + shortID(p.id) }

func (p *containerProcess) Done() <-chan struct{} { return p.done }

func (p *containerProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *containerProcess) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return supervisor.ErrProcessAlreadyAbsent
	default:
	}

	p.killMu.Lock()
	defer p.killMu.Unlock()
	if p.killed {
		return nil
	}
	p.killed = true

	err := p.engine.KillContainer(ctx, p.id)
	// Conflict means the container is no longer running.
	if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return supervisor.ErrProcessAlreadyAbsent
	}
	if err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
