package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/api"
	"github.com/reedfamily/mcctl/internal/backup"
	"github.com/reedfamily/mcctl/internal/config"
	"github.com/reedfamily/mcctl/internal/control"
	"github.com/reedfamily/mcctl/internal/docker"
	"github.com/reedfamily/mcctl/internal/game/minecraft"
	"github.com/reedfamily/mcctl/internal/history"
	"github.com/reedfamily/mcctl/internal/logging"
	"github.com/reedfamily/mcctl/internal/monitor"
	"github.com/reedfamily/mcctl/internal/query"
	"github.com/reedfamily/mcctl/internal/rcon"
	"github.com/reedfamily/mcctl/internal/scheduler"
	"github.com/reedfamily/mcctl/internal/supervisor"
)

type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	router     chi.Router
	supervisor *supervisor.Supervisor
	controller *control.Controller
	monitor    *monitor.Monitor
	scheduler  *scheduler.Scheduler
	docker     *docker.Client
}

// New wires every component from cfg. Background services do not run until
// StartBackground is called.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, log *zap.Logger) (*Server, error) {
	adapter := minecraft.Adapter{}

	console := rcon.NewClient(cfg.RCONAddr(), cfg.RCONPassword,
		rcon.WithTimeout(cfg.RCONTimeout),
		rcon.WithFormatter(adapter.StripFormatting),
		rcon.WithLogger(log.Named("rcon")),
	)
	status := query.New(ctx, cfg.ServerHost, cfg.GamePort, cfg.QueryPort, cfg.QueryTimeout, log.Named("query"))
	events := history.NewRecorder(db, log.Named("history"))

	s := &Server{cfg: cfg, log: log}
	runtime, err := s.runtime()
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Config{
		Command:     cfg.ExecCommand,
		Dir:         cfg.WorkingDir,
		StopTimeout: cfg.StopTimeout,
	}, runtime, console, adapter, events, log.Named("supervisor"))

	backupSvc := backup.NewService(db, cfg.WorkingDir, cfg.DataDir, sup, console, log.Named("backup"))
	ctl := control.New(sup, status, console, backupSvc, events, cfg.JoinAddr(), log.Named("control"))
	mon := monitor.New(db, status, cfg.StatusInterval, log.Named("monitor"))
	sched, err := scheduler.New(cfg.Schedules, ctl, events, log.Named("scheduler"))
	if err != nil {
		s.closeDocker()
		return nil, fmt.Errorf("MC_SCHEDULES: %w", err)
	}

	s.supervisor = sup
	s.controller = ctl
	s.monitor = mon
	s.scheduler = sched

	// Create handlers
	serverHandler := api.NewServerHandler(ctl, sup)
	consoleHandler := api.NewConsoleHandler(ctl, sup.Output(), log.Named("console"))
	statsHandler := api.NewStatsHandler(mon, log.Named("stats"))
	eventHandler := api.NewEventHandler(events)
	backupHandler := api.NewBackupHandler(backupSvc, ctl)
	scheduleHandler := api.NewScheduleHandler(sched)

	// Build router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/server", func(r chi.Router) {
			r.Get("/", serverHandler.Get)
			r.Post("/start", serverHandler.Start)
			r.Post("/stop", serverHandler.Stop)
			r.Post("/restart", serverHandler.Restart)
			r.Get("/players", serverHandler.Players)
			r.Get("/join", serverHandler.Join)
			r.Post("/exec", serverHandler.Exec)
			r.Get("/output", serverHandler.Output)
			r.Get("/console", consoleHandler.Handle)
		})

		r.Get("/stats", statsHandler.Latest)
		r.Get("/stats/history", statsHandler.History)
		r.Get("/stats/live", statsHandler.Live)

		r.Get("/events", eventHandler.List)

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", backupHandler.List)
			r.Post("/", backupHandler.Create)
			r.Get("/{backupId}/download", backupHandler.Download)
			r.Delete("/{backupId}", backupHandler.Delete)
			r.Post("/{backupId}/restore", backupHandler.Restore)
		})

		r.Get("/schedules", scheduleHandler.List)
	})
	s.router = r

	log.Info("components ready",
		zap.String("runtime", cfg.Runtime),
		zap.String("query", status.Addr()),
		zap.String("rcon", cfg.RCONAddr()),
		zap.String("dir", cfg.WorkingDir),
	)
	return s, nil
}

func (s *Server) runtime() (supervisor.Runtime, error) {
	if s.cfg.Runtime != "docker" {
		return supervisor.ExecRuntime{}, nil
	}
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	s.docker = cli
	return docker.NewRuntime(cli, docker.RuntimeConfig{
		Image:       s.cfg.DockerImage,
		Name:        s.cfg.DockerContainer,
		Cmd:         strings.Fields(s.cfg.DockerCommand),
		Env:         docker.MinecraftEnv(s.cfg.GamePort, s.cfg.QueryPort, s.cfg.RCONPort, s.cfg.RCONPassword),
		Ports:       docker.MinecraftPorts(s.cfg.GamePort, s.cfg.QueryPort, s.cfg.RCONPort),
		MemoryLimit: docker.ParseMemory(s.cfg.DockerMemory),
	}, s.log.Named("docker")), nil
}

func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) Controller() *control.Controller {
	return s.controller
}

// StartBackground starts the status monitor and the scheduler.
func (s *Server) StartBackground() {
	s.monitor.Start()
	s.scheduler.Start()
}

// Stop halts background services and stops the supervised server if this
// process started it.
func (s *Server) Stop(ctx context.Context) {
	s.scheduler.Stop()
	s.monitor.Stop()
	if s.supervisor.IsRunning() {
		s.log.Info("stopping supervised server")
		if _, err := s.supervisor.Stop(ctx, 0); err != nil {
			s.log.Error("stop supervised server", zap.Error(err))
		}
	}
	s.closeDocker()
}

func (s *Server) closeDocker() {
	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.log.Warn("close docker client", zap.Error(err))
		}
		s.docker = nil
	}
}
